package blockchain

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorClass RPC 错误分类
//
// 每个错误只分类一次，分类结果作为数据驱动重试逻辑，
// 不在各调用点重复做类型/消息链检查。
type ErrorClass int

const (
	// ClassPermanent 永久性错误 (坏地址、合约 revert、解码失败): 原样上抛
	ClassPermanent ErrorClass = iota
	// ClassRateLimited 限流 (HTTP 429): 固定冷却后在同一端点重试
	ClassRateLimited
	// ClassBenign 服务商良性抖动 (502/503/504/408/410): 短暂延迟后同端点重试一次，
	// 只计入日汇总，从不告警
	ClassBenign
	// ClassTransient 其他瞬时错误 (传输失败、请求取消): 切换端点重试一次
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "RATE_LIMITED"
	case ClassBenign:
		return "BENIGN"
	case ClassTransient:
		return "TRANSIENT"
	default:
		return "PERMANENT"
	}
}

// benignHTTPCode 良性 HTTP 状态码
func benignHTTPCode(code int) bool {
	switch code {
	case 502, 503, 504, 408, 410:
		return true
	}
	return false
}

// Classify 在整条错误链上判定错误分类
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	// HTTP 状态码优先: 在链上任意一层命中都算
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 {
			return ClassRateLimited
		}
		if benignHTTPCode(httpErr.StatusCode) {
			return ClassBenign
		}
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return ClassRateLimited
	}
	for _, code := range []string{"502", "503", "504", "408", "410"} {
		if strings.Contains(msg, code+" ") || strings.HasSuffix(msg, code) ||
			strings.Contains(msg, "status code "+code) || strings.Contains(msg, ": "+code) {
			return ClassBenign
		}
	}

	// 传输层错误: 换端点重试
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "eof") {
		return ClassTransient
	}

	return ClassPermanent
}

// HTTPCode 提取错误链中的 HTTP 状态码，用于良性错误汇总 key; 未命中返回 0
func HTTPCode(err error) int {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	msg := err.Error()
	for _, code := range []int{502, 503, 504, 408, 410, 429} {
		if strings.Contains(msg, intToStr(code)) {
			return code
		}
	}
	return 0
}

func intToStr(n int) string {
	// 只处理三位状态码
	return string([]byte{byte('0' + n/100), byte('0' + n/10%10), byte('0' + n%10)})
}
