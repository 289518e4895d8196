package blockchain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
)

func httpError(code int) error {
	return rpc.HTTPError{StatusCode: code, Status: fmt.Sprintf("%d whatever", code)}
}

func TestClassify_HTTPStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"429 限流", httpError(429), ClassRateLimited},
		{"502 网关抖动", httpError(502), ClassBenign},
		{"503 服务不可用", httpError(503), ClassBenign},
		{"504 网关超时", httpError(504), ClassBenign},
		{"408 请求超时", httpError(408), ClassBenign},
		{"410 已下线", httpError(410), ClassBenign},
		{"500 其他 HTTP 错误", httpError(500), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestClassify_WrappedHTTPError(t *testing.T) {
	// 状态码判定要在整条错误链上生效
	wrapped := fmt.Errorf("rpc call failed: %w", httpError(429))
	assert.Equal(t, ClassRateLimited, Classify(wrapped))

	wrapped = fmt.Errorf("rpc call failed: %w", httpError(503))
	assert.Equal(t, ClassBenign, Classify(wrapped))
}

func TestClassify_TextFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"消息里的 too many requests", errors.New("Too Many Requests"), ClassRateLimited},
		{"消息里的 429", errors.New("unexpected response: 429"), ClassRateLimited},
		{"消息里的 503", errors.New("status code 503"), ClassBenign},
		{"connection refused", errors.New("dial tcp 10.0.0.1:8545: connection refused"), ClassTransient},
		{"i/o timeout", errors.New("read tcp: i/o timeout"), ClassTransient},
		{"unexpected EOF", errors.New("unexpected EOF"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestClassify_TransportErrors(t *testing.T) {
	urlErr := &url.Error{Op: "Post", URL: "http://node:8545", Err: errors.New("broken pipe")}
	assert.Equal(t, ClassTransient, Classify(urlErr))

	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, Classify(context.Canceled))
}

func TestClassify_PermanentByDefault(t *testing.T) {
	// revert 和解码错误不重试
	assert.Equal(t, ClassPermanent, Classify(errors.New("execution reverted")))
	assert.Equal(t, ClassPermanent, Classify(errors.New("abi: cannot unmarshal")))
	assert.Equal(t, ClassPermanent, Classify(nil))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "RATE_LIMITED", ClassRateLimited.String())
	assert.Equal(t, "BENIGN", ClassBenign.String())
	assert.Equal(t, "TRANSIENT", ClassTransient.String())
	assert.Equal(t, "PERMANENT", ClassPermanent.String())
}

func TestHTTPCode(t *testing.T) {
	assert.Equal(t, 429, HTTPCode(httpError(429)))
	assert.Equal(t, 503, HTTPCode(fmt.Errorf("wrapped: %w", httpError(503))))
	assert.Equal(t, 502, HTTPCode(errors.New("got 502 from upstream")))
	assert.Equal(t, 0, HTTPCode(errors.New("execution reverted")))
}
