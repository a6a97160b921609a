package hardware

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/logger"
	"go.uber.org/zap"
)

// StateListener 冲煮状态变化回调
type StateListener func(state BrewState)

// MachineStatus 咖啡机状态快照
type MachineStatus struct {
	State      BrewState       `json:"state"`
	Locked     bool            `json:"locked"`
	Page       int             `json:"page"`
	Connection string          `json:"connection"`
	Stats      ConnectionStats `json:"stats"`
}

// CoffeeMaker 咖啡机控制器
type CoffeeMaker struct {
	conn         *Connection
	defaults     BrewParams
	buttonSettle time.Duration
	logger       *zap.Logger

	locked atomic.Bool
	state  atomic.Int32
	page   atomic.Int32

	listenerMu sync.RWMutex
	listeners  []StateListener

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewCoffeeMaker 创建咖啡机控制器，cfg为nil时使用默认参数
func NewCoffeeMaker(conn *Connection, cfg *config.BrewConfig) *CoffeeMaker {
	settle := 500 * time.Millisecond
	if cfg != nil && cfg.ButtonSettle > 0 {
		settle = cfg.ButtonSettle
	}

	return &CoffeeMaker{
		conn:         conn,
		defaults:     BrewParamsFromConfig(cfg),
		buttonSettle: settle,
		logger:       logger.GetModuleLogger("brew"),
	}
}

// Connection 返回底层连接
func (m *CoffeeMaker) Connection() *Connection {
	return m.conn
}

// DefaultParams 返回默认冲煮参数
func (m *CoffeeMaker) DefaultParams() BrewParams {
	return m.defaults
}

// OnStateChange 注册状态变化回调
func (m *CoffeeMaker) OnStateChange(fn StateListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// IsLocked 是否正在操作咖啡机
func (m *CoffeeMaker) IsLocked() bool {
	return m.locked.Load()
}

// State 当前冲煮状态
func (m *CoffeeMaker) State() BrewState {
	return BrewState(m.state.Load())
}

// Page 当前面板页
func (m *CoffeeMaker) Page() int {
	return int(m.page.Load())
}

// Status 状态快照
func (m *CoffeeMaker) Status() MachineStatus {
	return MachineStatus{
		State:      m.State(),
		Locked:     m.IsLocked(),
		Page:       m.Page(),
		Connection: m.conn.State().String(),
		Stats:      m.conn.Stats(),
	}
}

func (m *CoffeeMaker) tryLock() bool {
	return m.locked.CompareAndSwap(false, true)
}

func (m *CoffeeMaker) unlock() {
	m.setState(BrewIdle)
	m.locked.Store(false)
}

func (m *CoffeeMaker) setState(s BrewState) {
	if BrewState(m.state.Swap(int32(s))) == s {
		return
	}

	m.listenerMu.RLock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func lockedError() error {
	return errors.New(errors.ErrMachineLocked, "another operation is in progress")
}

// SwitchPage 翻到下一页
func (m *CoffeeMaker) SwitchPage(ctx context.Context) error {
	if !m.tryLock() {
		return lockedError()
	}
	defer m.unlock()
	return m.togglePage(ctx)
}

// SwitchToPage 翻到指定页，已在该页时不发送任何命令
func (m *CoffeeMaker) SwitchToPage(ctx context.Context, target int) error {
	if target < 0 || target >= NumPages {
		return errors.Newf(errors.ErrInvalidPage, "page %d out of range [0,%d)", target, NumPages)
	}
	if !m.tryLock() {
		return lockedError()
	}
	defer m.unlock()
	return m.switchToPage(ctx, target)
}

// switchToPage 按翻页键直到到达目标页。未确认的按键不中断翻页，
// 返回第一个确认失败；写入失败或取消时立即返回
func (m *CoffeeMaker) switchToPage(ctx context.Context, target int) error {
	var ackErr error
	presses := (target - m.Page() + NumPages) % NumPages
	for i := 0; i < presses; i++ {
		err := m.togglePage(ctx)
		if err == nil {
			continue
		}
		if !isAckTimeout(err) {
			return err
		}
		if ackErr == nil {
			ackErr = err
		}
	}
	return ackErr
}

// togglePage 按翻页键，命令已写出时页码前进
func (m *CoffeeMaker) togglePage(ctx context.Context) error {
	err := m.pressButton(ctx, ButtonPageToggle)
	if err != nil && !isAckTimeout(err) {
		return err
	}

	next := (m.Page() + 1) % NumPages
	m.page.Store(int32(next))
	if err != nil {
		m.logger.Warn("Page toggle not acknowledged", zap.Int("page", next), zap.Error(err))
	} else {
		m.logger.Info("Switched page", zap.Int("page", next))
	}
	return err
}

// isAckTimeout 命令已写出但未收到确认
func isAckTimeout(err error) bool {
	return errors.Is(err, errors.ErrSerialTimeout)
}

// BrewCoffee 翻到饮品所在页并按下对应按键
func (m *CoffeeMaker) BrewCoffee(ctx context.Context, drink Drink) error {
	page, err := drink.Page()
	if err != nil {
		return err
	}
	button, err := drink.Button()
	if err != nil {
		return err
	}

	if !m.tryLock() {
		return lockedError()
	}
	defer m.unlock()

	m.logger.Info("Brewing drink",
		zap.Stringer("drink", drink),
		zap.Int("page", page),
		zap.Int("button", int(button)))

	ackErr := m.switchToPage(ctx, page)
	if ackErr != nil && !isAckTimeout(ackErr) {
		return ackErr
	}
	if err := m.pressButton(ctx, button); err != nil {
		return err
	}
	return ackErr
}

// PressButton 模拟按键
func (m *CoffeeMaker) PressButton(ctx context.Context, button Button) error {
	return m.pressButton(ctx, button)
}

// pressButton 发送按键命令并等待确认，无论结果如何都等待按键稳定时间
func (m *CoffeeMaker) pressButton(ctx context.Context, button Button) error {
	cmd, err := button.Command()
	if err != nil {
		return err
	}

	err = m.writeAndWait(ctx, cmd)
	time.Sleep(m.buttonSettle)
	return err
}

// writeAndWait 发送命令并等待 "ok:\r\n"
func (m *CoffeeMaker) writeAndWait(ctx context.Context, cmd string) error {
	err := m.conn.SendAndWait(ctx, cmd, ResponseAck, m.conn.Timing().AckTimeout)
	logger.LogSerialCommand(strings.TrimSpace(cmd), ResponseAck, err == nil)
	return err
}

// Cancel 取消正在进行的自定义冲煮，没有冲煮时返回false
func (m *CoffeeMaker) Cancel() bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()

	if m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// lockWithCancel 加锁并登记取消函数，Cancel不会看到已加锁但无取消函数的状态
func (m *CoffeeMaker) lockWithCancel(cancel context.CancelFunc) bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()

	if !m.tryLock() {
		return false
	}
	m.cancel = cancel
	return true
}

func (m *CoffeeMaker) setCancel(cancel context.CancelFunc) {
	m.cancelMu.Lock()
	m.cancel = cancel
	m.cancelMu.Unlock()
}

// brewRun 一次自定义冲煮的执行上下文
type brewRun struct {
	m      *CoffeeMaker
	ctx    context.Context // 冲煮取消
	io     context.Context // 命令交互不受取消影响
	cancel context.CancelFunc
	result *BrewResult
	start  time.Time
}

// command 发送执行器命令，失败只记录不中断
func (r *brewRun) command(cmd string) {
	if err := r.m.writeAndWait(r.io, cmd); err != nil {
		r.result.CommandFailures++
		r.m.logger.Warn("Brew command not acknowledged",
			zap.String("command", strings.TrimSpace(cmd)),
			zap.Error(err))
	}
}

// wait 可取消等待，返回false表示已取消
func (r *brewRun) wait(d time.Duration) bool {
	return sleepContext(r.ctx, d)
}

func (r *brewRun) enter(s BrewState) {
	r.m.setState(s)
	logger.LogBrewStep(s.String(), time.Since(r.start))
}

func (r *brewRun) canceled() {
	r.result.Canceled = true
	r.result.CanceledIn = r.m.State()
	r.m.logger.Info("Brew canceled", zap.Stringer("phase", r.result.CanceledIn))
}

// resetBrewGroup 复位冲煮组
func (r *brewRun) resetBrewGroup() {
	r.enter(BrewResetting)
	r.command(CmdBrewGroupReset)
}

// BrewCustomCoffee 自定义冲煮：研磨、压粉、预浸泡、萃取、复位。
// ctx取消时当前阶段关闭已开启的执行器并复位冲煮组，取消不视为错误。
func (m *CoffeeMaker) BrewCustomCoffee(ctx context.Context, params BrewParams) (*BrewResult, error) {
	run, err := m.beginCustomBrew(ctx, params)
	if err != nil {
		return nil, err
	}
	return run.execute()
}

// StartCustomBrew 同步获取锁后在后台执行自定义冲煮，结束时调用done（可为nil）
func (m *CoffeeMaker) StartCustomBrew(ctx context.Context, params BrewParams, done func(*BrewResult, error)) (*BrewResult, error) {
	run, err := m.beginCustomBrew(ctx, params)
	if err != nil {
		return nil, err
	}

	accepted := *run.result
	go func() {
		result, err := run.execute()
		if done != nil {
			done(result, err)
		}
	}()
	return &accepted, nil
}

// beginCustomBrew 校验参数并加锁，锁与取消函数同时可见
func (m *CoffeeMaker) beginCustomBrew(ctx context.Context, params BrewParams) (*brewRun, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	if !m.lockWithCancel(cancel) {
		cancel()
		return nil, lockedError()
	}

	return &brewRun{
		m:      m,
		ctx:    ctx,
		io:     context.WithoutCancel(ctx),
		cancel: cancel,
		result: &BrewResult{ID: uuid.New().String(), Params: params, StartedAt: time.Now()},
		start:  time.Now(),
	}, nil
}

// execute 执行全部阶段并解锁
func (r *brewRun) execute() (*BrewResult, error) {
	m := r.m
	defer func() {
		m.setCancel(nil)
		r.cancel()
		m.unlock()
	}()

	params := r.result.Params
	m.logger.Info("Custom brew started",
		zap.String("id", r.result.ID),
		zap.Duration("grind_time", params.GrindTime),
		zap.Duration("compress_time", params.CompressTime),
		zap.Duration("water_time", params.WaterTime))

	r.brew(params)

	r.result.Duration = time.Since(r.start)
	m.logger.Info("Custom brew finished",
		zap.String("id", r.result.ID),
		zap.Bool("completed", r.result.Completed),
		zap.Bool("canceled", r.result.Canceled),
		zap.Int("heater_pulses", r.result.HeaterPulses),
		zap.Duration("duration", r.result.Duration))

	if r.result.CommandFailures > 0 {
		return r.result, errors.Newf(errors.ErrCommandFailed, "%d commands not acknowledged", r.result.CommandFailures)
	}
	return r.result, nil
}

func (r *brewRun) brew(p BrewParams) {
	// 研磨
	r.enter(BrewGrinding)
	r.command(CmdGrinderOn)
	if !r.wait(p.GrindTime) {
		r.canceled()
		r.command(CmdGrinderOff)
		r.resetBrewGroup()
		return
	}
	r.command(CmdGrinderOff)
	r.command(CmdBrewGroupToBrewingPosition)

	// 压粉
	r.enter(BrewCompressing)
	r.command(CmdPressOn)
	if !r.wait(p.CompressTime) || !r.wait(p.CompressHold) {
		r.canceled()
		r.command(CmdPressOff)
		r.resetBrewGroup()
		return
	}
	r.command(CmdPressOff)

	// 预浸泡
	r.enter(BrewPreInfusion)
	r.command(CmdPumpOn)
	if !r.wait(p.PreInfusionTime) {
		r.canceled()
		r.command(CmdPumpOff)
		r.resetBrewGroup()
		return
	}
	r.command(CmdPumpOff)
	if !r.wait(p.PreInfusionPause) {
		r.canceled()
		r.resetBrewGroup()
		return
	}

	// 萃取，取消后仍然复位冲煮组
	r.enter(BrewExtracting)
	if !r.pumpHotWater(p.WaterTime) {
		r.canceled()
	}

	r.resetBrewGroup()
	r.result.Completed = !r.result.Canceled
}

// pumpHotWater 打开水泵并按 water/8 加热、water/20 停顿的节奏脉冲加热，直到截止时间
func (r *brewRun) pumpHotWater(water time.Duration) bool {
	heatOn := water / 8
	heatOff := water / 20

	r.command(CmdPumpOn)
	deadline := time.Now().Add(water)

	for time.Now().Before(deadline) {
		r.command(CmdHeaterOn)
		r.result.HeaterPulses++
		if !r.wait(heatOn) {
			r.command(CmdHeaterOff)
			r.command(CmdPumpOff)
			return false
		}

		r.command(CmdHeaterOff)
		if !r.wait(heatOff) {
			r.command(CmdPumpOff)
			return false
		}
	}

	r.command(CmdPumpOff)
	return true
}

// DeviceType 查询机型，返回 "ty:" 之后的内容
func (m *CoffeeMaker) DeviceType(ctx context.Context) (string, error) {
	resp, err := m.conn.SendAndCollect(ctx, CmdGetType, m.conn.Timing().AckTimeout)
	if err != nil {
		return "", err
	}

	idx := strings.Index(resp, ResponseTypePrefix)
	if idx < 0 {
		return "", errors.Newf(errors.ErrInvalidResponse, "unexpected type response %q", FormatPrintable([]byte(resp)))
	}
	return strings.TrimSpace(resp[idx+len(ResponseTypePrefix):]), nil
}

// PowerOff 关机
func (m *CoffeeMaker) PowerOff(ctx context.Context) error {
	if !m.tryLock() {
		return lockedError()
	}
	defer m.unlock()

	m.logger.Info("Powering off machine")
	return m.writeAndWait(ctx, CmdPowerOff)
}

// SetTestMode 进入或退出测试模式
func (m *CoffeeMaker) SetTestMode(ctx context.Context, on bool) error {
	if !m.tryLock() {
		return lockedError()
	}
	defer m.unlock()

	cmd := CmdTestModeOff
	if on {
		cmd = CmdTestModeOn
	}
	m.logger.Info("Setting test mode", zap.Bool("on", on))
	return m.writeAndWait(ctx, cmd)
}

// SendRaw 发送任意命令并返回收到的第一批数据，命令缺少CR LF时自动补齐
func (m *CoffeeMaker) SendRaw(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(cmd) == "" {
		return "", errors.New(errors.ErrInvalidParam, "empty command")
	}
	if !strings.HasSuffix(cmd, CommandTerminator) {
		cmd = strings.TrimRight(cmd, "\r\n") + CommandTerminator
	}
	if !m.tryLock() {
		return "", lockedError()
	}
	defer m.unlock()

	return m.conn.SendAndCollect(ctx, cmd, timeout)
}
