package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionprotocol/mission-indexer/internal/blockchain"
	"github.com/missionprotocol/mission-indexer/internal/contract"
	"github.com/missionprotocol/mission-indexer/internal/model"
)

// fakeClock 可推进的测试时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(testNow, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeKickRepo 内存踢醒队列
type fakeKickRepo struct {
	mu    sync.Mutex
	queue []*model.MissionKick
}

func (f *fakeKickRepo) Enqueue(ctx context.Context, kick *model.MissionKick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, kick)
	return nil
}

func (f *fakeKickRepo) DrainBatch(ctx context.Context, limit int) ([]*model.MissionKick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	byAddress := make(map[string]*model.MissionKick)
	var order []string
	for _, k := range f.queue {
		if _, seen := byAddress[k.MissionAddress]; !seen {
			order = append(order, k.MissionAddress)
		}
		byAddress[k.MissionAddress] = k
	}
	f.queue = nil

	out := make([]*model.MissionKick, 0, len(order))
	for _, addr := range order {
		out = append(out, byAddress[addr])
	}
	return out, nil
}

// notifyRecord 一次 mission-updated 回调
type notifyRecord struct {
	Address string
	Reason  string
	TxHash  string
}

// notifierRecorder 记录回调的 Notifier
type notifierRecorder struct {
	mu       sync.Mutex
	updated  []notifyRecord
	statuses []int16
	rounds   []int
}

func (n *notifierRecorder) MissionUpdated(ctx context.Context, address, reason, txHash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, notifyRecord{Address: address, Reason: reason, TxHash: txHash})
}

func (n *notifierRecorder) StatusChanged(ctx context.Context, address string, newStatus int16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, newStatus)
}

func (n *notifierRecorder) RoundCompleted(ctx context.Context, address string, round int, winner, amountWei string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rounds = append(n.rounds, round)
}

func (n *notifierRecorder) countReason(reason string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, r := range n.updated {
		if r.Reason == reason {
			count++
		}
	}
	return count
}

func (n *notifierRecorder) lastWithReason(reason string) (notifyRecord, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.updated) - 1; i >= 0; i-- {
		if n.updated[i].Reason == reason {
			return n.updated[i], true
		}
	}
	return notifyRecord{}, false
}

// fakeActionTrigger 可配置的链上动作
type fakeActionTrigger struct {
	mu            sync.Mutex
	finalizeErr   error
	refundErr     error
	finalizeTx    string
	refundTx      string
	finalizeCalls int
	refundCalls   int
	onRefundOK    func()
}

func (f *fakeActionTrigger) AttemptFinalize(ctx context.Context, address string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	if f.finalizeErr != nil {
		return "", f.finalizeErr
	}
	return f.finalizeTx, nil
}

func (f *fakeActionTrigger) AttemptRefund(ctx context.Context, address string) (string, error) {
	f.mu.Lock()
	f.refundCalls++
	err := f.refundErr
	tx := f.refundTx
	onOK := f.onRefundOK
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	if onOK != nil {
		onOK()
	}
	return tx, nil
}

// fakeSyncer 可配置的工厂同步
type fakeSyncer struct {
	mu      sync.Mutex
	calls   int
	results []SyncResult
	err     error
}

func (f *fakeSyncer) Sync(ctx context.Context) ([]SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results, f.err
}

// 测试环境组装

type schedulerFixture struct {
	*reconcilerFixture
	clock    *fakeClock
	kicks    *fakeKickRepo
	notifier *notifierRecorder
	actions  *fakeActionTrigger
	syncer   *fakeSyncer
	sched    *SchedulerService
}

func newSchedulerFixture() *schedulerFixture {
	sf := &schedulerFixture{
		reconcilerFixture: newReconcilerFixture(),
		clock:             newFakeClock(),
		kicks:             &fakeKickRepo{},
		notifier:          &notifierRecorder{},
		actions:           &fakeActionTrigger{finalizeTx: "0xf1", refundTx: "0xr1"},
		syncer:            &fakeSyncer{},
	}
	sf.svc.SetClock(sf.clock.Now)
	sf.sched = NewSchedulerService(
		&SchedulerConfig{
			TickInterval:     time.Second,
			FactoryPollTicks: 60,
			KickBatchSize:    100,
			PhaseWindow:      30 * time.Second,
		},
		sf.svc,
		sf.actions,
		sf.syncer,
		sf.mission,
		sf.kicks,
		sf.notifier,
		blockchain.NewCycleBreaker(nil),
	)
	sf.sched.SetClock(sf.clock.Now)
	return sf
}

// tick 执行一个同步完成的调度周期 (等待所有处理 goroutine)
func (sf *schedulerFixture) tick(t *testing.T) {
	t.Helper()
	sf.sched.Tick(context.Background())
	sf.sched.wg.Wait()
}

// seedWatched 持久化一个任务并载入观察集
func (sf *schedulerFixture) seedWatched(t *testing.T, m *model.Mission) {
	t.Helper()
	require.NoError(t, sf.mission.Upsert(context.Background(), m))
	require.NoError(t, sf.sched.loadWatchSet(context.Background()))
}

func watchedMission(status model.MissionStatus, missionEnd int64) *model.Mission {
	return &model.Mission{
		Address:         canonical(testMissionAddr),
		Name:            "treasure-hunt",
		Status:          status,
		EnrollmentStart: testNow - 3600,
		EnrollmentEnd:   testNow - 3000,
		MissionStart:    testNow - 2900,
		MissionEnd:      missionEnd,
		RoundTotal:      3,
		RoundCooldown:   120,
	}
}

func TestScheduler_MissionEndFailedTriggersRefund(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	sf.seedWatched(t, watchedMission(model.StatusActive, testNow-10))

	// 链上已进入 Failed，退款尚未完成
	failed := testSnapshot(model.StatusFailed)
	failed.MissionEnd = big.NewInt(testNow - 10)
	sf.source.set(addr, failed)

	// 退款成功后链上快照变为全退款
	sf.actions.onRefundOK = func() {
		refunded := testSnapshot(model.StatusFailed)
		refunded.MissionEnd = big.NewInt(testNow - 10)
		refunded.AllRefunded = true
		sf.source.set(addr, refunded)
	}

	sf.tick(t)

	assert.Equal(t, 1, sf.actions.refundCalls)
	record, ok := sf.notifier.lastWithReason(ReasonRefundTriggered)
	require.True(t, ok)
	assert.Equal(t, addr, record.Address)
	assert.Equal(t, "0xr1", record.TxHash)

	// 退款后的刷新把任务定格
	stored, err := sf.mission.GetByAddress(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, stored.Finalized)
}

func TestScheduler_EnrollmentEndFailedTriggersEarlyRefund(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	// 报名刚截止，任务还远没到 mission_end
	m := watchedMission(model.StatusEnrolling, testNow+7200)
	m.EnrollmentEnd = testNow - 10
	sf.seedWatched(t, m)

	// 报名人数不足，合约在截止时直接判 Failed
	failed := testSnapshot(model.StatusFailed)
	failed.EnrollmentEnd = big.NewInt(testNow - 10)
	sf.source.set(addr, failed)

	sf.actions.onRefundOK = func() {
		refunded := testSnapshot(model.StatusFailed)
		refunded.EnrollmentEnd = big.NewInt(testNow - 10)
		refunded.AllRefunded = true
		sf.source.set(addr, refunded)
	}

	sf.tick(t)

	// 退款在报名截止窗口内就触发，不等几小时后的 mission_end
	assert.Equal(t, 1, sf.actions.refundCalls)
	record, ok := sf.notifier.lastWithReason(ReasonRefundTriggered)
	require.True(t, ok)
	assert.Equal(t, "0xr1", record.TxHash)

	stored, err := sf.mission.GetByAddress(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, stored.Finalized)

	// 截止阶段只处理一次
	sf.tick(t)
	assert.Equal(t, 1, sf.actions.refundCalls)
}

func TestScheduler_RestartResumesFailedRefund(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	// 进程重启前镜像已是 Failed 且未定格: 重载必须把它捡回来
	sf.seedWatched(t, watchedMission(model.StatusFailed, testNow-10))
	require.Equal(t, 1, sf.sched.WatchedCount())

	failed := testSnapshot(model.StatusFailed)
	failed.MissionEnd = big.NewInt(testNow - 10)
	sf.source.set(addr, failed)
	sf.actions.onRefundOK = func() {
		refunded := testSnapshot(model.StatusFailed)
		refunded.MissionEnd = big.NewInt(testNow - 10)
		refunded.AllRefunded = true
		sf.source.set(addr, refunded)
	}

	sf.tick(t)
	assert.Equal(t, 1, sf.actions.refundCalls)

	stored, err := sf.mission.GetByAddress(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, stored.Finalized)

	// 定格后的 Failed 不再进入观察集
	missions, err := sf.mission.ListWatchable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, missions)
}

func TestScheduler_RefundExhaustionFinalizesLocally(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	sf.seedWatched(t, watchedMission(model.StatusActive, testNow-10))
	failed := testSnapshot(model.StatusFailed)
	failed.MissionEnd = big.NewInt(testNow - 10)
	sf.source.set(addr, failed)
	sf.actions.refundErr = errors.New("insufficient funds for gas")

	// 第一次尝试失败，进入退避
	sf.tick(t)
	assert.Equal(t, 1, sf.actions.refundCalls)

	// 退避未到期不会重试
	sf.tick(t)
	assert.Equal(t, 1, sf.actions.refundCalls)

	// 越过退避窗口: 第二次尝试耗尽预算，本地定格
	sf.clock.Advance(6 * time.Second)
	sf.tick(t)
	assert.Equal(t, 2, sf.actions.refundCalls)

	stored, err := sf.mission.GetByAddress(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, stored.Finalized)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonRefundExhausted))

	// 移出观察集，不再重试
	sf.tick(t)
	sf.clock.Advance(time.Minute)
	sf.tick(t)
	assert.Equal(t, 2, sf.actions.refundCalls)
	assert.Zero(t, sf.sched.WatchedCount())
}

func TestScheduler_FinalizeBoundedRetries(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	sf.seedWatched(t, watchedMission(model.StatusActive, testNow-10))
	partly := testSnapshot(model.StatusPartlySuccess)
	partly.MissionEnd = big.NewInt(testNow - 10)
	partly.PoolCurrent = big.NewInt(400)
	sf.source.set(addr, partly)
	sf.actions.finalizeErr = errors.New("nonce too low")

	sf.tick(t)
	assert.Equal(t, 1, sf.actions.finalizeCalls)

	sf.clock.Advance(6 * time.Second)
	sf.tick(t)
	assert.Equal(t, 2, sf.actions.finalizeCalls)

	sf.clock.Advance(11 * time.Second)
	sf.tick(t)
	assert.Equal(t, 3, sf.actions.finalizeCalls)

	// 预算耗尽: 移出观察，但不做本地定格
	sf.tick(t)
	assert.Zero(t, sf.sched.WatchedCount())
	stored, err := sf.mission.GetByAddress(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, stored.Finalized)

	sf.clock.Advance(time.Minute)
	sf.tick(t)
	assert.Equal(t, 3, sf.actions.finalizeCalls)
}

func TestScheduler_KickDrainRefreshesAndNotifies(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	sf.source.set(addr, testSnapshot(model.StatusEnrolling))

	// 同一地址两次踢醒，排水后只保留最新 tx hash
	require.NoError(t, sf.kicks.Enqueue(context.Background(), &model.MissionKick{MissionAddress: addr, TxHash: "0xold"}))
	require.NoError(t, sf.kicks.Enqueue(context.Background(), &model.MissionKick{MissionAddress: addr, TxHash: "0xnew"}))

	sf.tick(t)

	assert.Equal(t, 1, sf.notifier.countReason(ReasonKick))
	record, ok := sf.notifier.lastWithReason(ReasonKick)
	require.True(t, ok)
	assert.Equal(t, "0xnew", record.TxHash)

	// 新发现的任务自动进入观察集
	assert.Equal(t, 1, sf.sched.WatchedCount())

	// 队列已清空，下个 tick 不再重复
	sf.tick(t)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonKick))
}

func TestScheduler_KickNotifiesEvenWithoutSnapshotDelta(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	// 先把镜像追平，踢醒时快照读不出任何差异
	sf.source.set(addr, testSnapshot(model.StatusEnrolling))
	_, err := sf.svc.Refresh(context.Background(), addr)
	require.NoError(t, err)

	require.NoError(t, sf.kicks.Enqueue(context.Background(), &model.MissionKick{
		MissionAddress: addr,
		TxHash:         "0xcafe",
	}))

	sf.tick(t)

	// 前端要靠触发交易哈希做关联，回调无条件发送
	record, ok := sf.notifier.lastWithReason(ReasonKick)
	require.True(t, ok)
	assert.Equal(t, "0xcafe", record.TxHash)
}

func TestScheduler_FactoryPollInterval(t *testing.T) {
	sf := newSchedulerFixture()
	sf.sched.cfg.FactoryPollTicks = 2

	for i := 0; i < 4; i++ {
		sf.tick(t)
	}
	assert.Equal(t, 2, sf.syncer.calls)
}

func TestScheduler_FactorySyncResultsEnterWatchAndNotify(t *testing.T) {
	sf := newSchedulerFixture()
	sf.sched.cfg.FactoryPollTicks = 1
	addr := canonical(testMissionAddr)

	sf.syncer.results = []SyncResult{{
		Address: addr,
		Changes: &Changes{
			FirstSeen:           true,
			HasMeaningfulChange: true,
			Mission:             watchedMission(model.StatusEnrolling, testNow+7200),
		},
	}}

	sf.tick(t)

	assert.Equal(t, 1, sf.notifier.countReason(ReasonFactorySync))
	assert.Equal(t, 1, sf.sched.WatchedCount())
}

func TestScheduler_CooldownStartHandledOncePerPause(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	m := watchedMission(model.StatusActive, testNow+7200)
	m.PausedAt = testNow - 5
	sf.seedWatched(t, m)

	paused := testSnapshot(model.StatusPaused)
	paused.PausedAt = big.NewInt(testNow - 5)
	sf.source.set(addr, paused)

	sf.tick(t)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonCooldownStart))

	// 同一个 pausedAt 不重复处理
	sf.tick(t)
	sf.tick(t)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonCooldownStart))
}

func TestScheduler_CooldownEndUsesLastRoundCooldown(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	// 末回合已打完: round_count == round_total，冷却改用 last_round_cooldown
	m := watchedMission(model.StatusPaused, testNow+7200)
	m.RoundCount = 3
	m.LastRoundCooldown = 300
	m.PausedAt = testNow - 310 // 300 秒的末回合冷却刚结束
	sf.seedWatched(t, m)

	snap := testSnapshot(model.StatusActive)
	snap.RoundCount = big.NewInt(3)
	snap.PausedAt = big.NewInt(testNow - 310)
	snap.Players = []contract.PlayerState{
		testPlayer("0xA1", 100, 100),
		testPlayer("0xB1", 200, 100),
		testPlayer("0xC1", 300, 100),
	}
	sf.source.set(addr, snap)

	sf.tick(t)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonCooldownEnd))

	// 普通回合冷却 120s 早就过窗，不会误触发第二次
	sf.tick(t)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonCooldownEnd))
}

func TestScheduler_CooldownEndWaitsForActive(t *testing.T) {
	sf := newSchedulerFixture()
	addr := canonical(testMissionAddr)

	m := watchedMission(model.StatusPaused, testNow+7200)
	m.RoundCount = 1
	m.PausedAt = testNow - 125 // 120s 回合冷却刚过，仍在窗口内
	sf.seedWatched(t, m)

	// 链上还停在 Paused: 不通知、不标记，窗口内每 tick 重试
	still := testSnapshot(model.StatusPaused)
	still.RoundCount = big.NewInt(1)
	still.PausedAt = big.NewInt(testNow - 125)
	sf.source.set(addr, still)

	sf.tick(t)
	assert.Zero(t, sf.notifier.countReason(ReasonCooldownEnd))

	// 链上恢复 Active 后才通知一次
	resumed := testSnapshot(model.StatusActive)
	resumed.RoundCount = big.NewInt(1)
	resumed.PausedAt = big.NewInt(0)
	sf.source.set(addr, resumed)

	sf.tick(t)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonCooldownEnd))

	sf.tick(t)
	assert.Equal(t, 1, sf.notifier.countReason(ReasonCooldownEnd))
}

func TestScheduler_OnKickWakesWithoutBlocking(t *testing.T) {
	sf := newSchedulerFixture()
	// 重复踢不会阻塞，也不会堆积
	for i := 0; i < 10; i++ {
		sf.sched.OnKick()
	}
	select {
	case <-sf.sched.kickCh:
	default:
		t.Fatal("kick channel should hold a pending wake")
	}
}
