package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gateway/internal/service"
)

// Sweeper 一轮对账扫描
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// Locker 多副本互斥，nil 表示单副本运行不加锁
//
// 持有期间每 TTL/3 续期一次，续期失败说明锁已丢失，当前扫描随即停止
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	TTL() time.Duration
}

// maxBacklogRounds 一次触发内连续处理积压的最大轮数，剩下的留给下一次 tick
const maxBacklogRounds = 10

// ReconcileSweeperJob 定时推进 IN_FLIGHT 超时和 UNKNOWN 的交易
type ReconcileSweeperJob struct {
	// running 同一进程内定时任务和手动触发不并发扫描
	running  sync.Mutex
	sweeper  Sweeper
	locker   Locker
	log      *slog.Logger
	stopCh   chan struct{}
	triggerC chan struct{}
	interval time.Duration
}

func NewReconcileSweeperJob(sweeper Sweeper, locker Locker, interval time.Duration, log *slog.Logger) *ReconcileSweeperJob {
	return &ReconcileSweeperJob{
		sweeper:  sweeper,
		locker:   locker,
		log:      log.With("job", "reconcile_sweeper"),
		stopCh:   make(chan struct{}),
		triggerC: make(chan struct{}, 1),
		interval: interval,
	}
}

func (j *ReconcileSweeperJob) Start(ctx context.Context) {
	j.log.Info("对账任务启动", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.triggerC:
			j.RunOnce(ctx)
		}
	}
}

func (j *ReconcileSweeperJob) Stop() {
	close(j.stopCh)
}

// Trigger 立即执行一轮，已有待执行的触发时忽略
func (j *ReconcileSweeperJob) Trigger() {
	select {
	case j.triggerC <- struct{}{}:
	default:
	}
}

// RunOnce 加锁后扫描，有积压时连续扫描直到清空或达到上限
//
// 本进程或其他副本正在扫描时返回 nil
func (j *ReconcileSweeperJob) RunOnce(ctx context.Context) *service.SweepReport {
	if !j.running.TryLock() {
		j.log.Debug("上一轮对账尚未结束，跳过本轮")
		return nil
	}
	defer j.running.Unlock()

	if j.locker != nil {
		ok, err := j.locker.TryLock(ctx)
		if err != nil {
			j.log.Warn("获取对账锁失败", "error", err)
			return nil
		}
		if !ok {
			j.log.Debug("其他副本正在对账，跳过本轮")
			return nil
		}
		defer func() {
			if err := j.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				j.log.Warn("释放对账锁失败", "error", err)
			}
		}()

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			j.keepAlive(ctx, cancel)
		}()
		// 先停止续期再释放锁
		defer func() {
			cancel()
			<-done
		}()
	}

	total := &service.SweepReport{}
	for round := 0; round < maxBacklogRounds; round++ {
		report, err := j.sweeper.Sweep(ctx)
		if err != nil {
			j.log.Error("对账扫描失败", "error", err)
			return total
		}
		total.Scanned += report.Scanned
		total.Resolved += report.Resolved
		total.Parked += report.Parked
		total.ManualReview += report.ManualReview
		total.Errors += report.Errors
		total.Backlog = report.Backlog

		// 全部失败时不在本次触发里空转
		if !report.Backlog || report.Errors == report.Scanned || ctx.Err() != nil {
			break
		}
	}
	return total
}

// keepAlive 定期续期，锁丢失时取消扫描
func (j *ReconcileSweeperJob) keepAlive(ctx context.Context, cancel context.CancelFunc) {
	every := j.locker.TTL() / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := j.locker.Refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				j.log.Warn("对账锁续期失败，停止本轮扫描", "error", err)
				cancel()
				return
			}
		}
	}
}
