package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/action"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/assign"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/converge"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/executor"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/mq"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/noisereduce"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/notice"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/notice/render"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/scheduler"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/shield"
)

// 各执行队列按插件类型分流，worker 池按此列表启动
var workerQueues = []models.PluginType{
	models.PluginNotice,
	models.PluginWebhook,
	models.PluginJob,
	models.PluginSops,
	models.PluginITSM,
	models.PluginMessageQueue,
	models.PluginCommon,
}

// EngineService 告警动作引擎服务（整合各层）
type EngineService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	actionRepo   *repository.ActionRepository
	convergeRepo *repository.ConvergeRepository
	alertLogRepo *repository.AlertLogRepository
	configCache  *cache.ConfigCache
	snapshots    *cache.SnapshotStore
	execQueue    *queue.ExecuteQueue
	delayQueue   *queue.DelayQueue
	factory      *action.Factory
	dispatcher   *notice.Dispatcher
	executor     *executor.Executor
	scheduler    *scheduler.Scheduler
	mqSink       mq.Sink
	metrics      *metrics.Metrics
	metricsSrv   *http.Server
}

// NewEngineService 创建引擎服务
func NewEngineService(cfg *config.Config, logger *zap.Logger) (*EngineService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	actionRepo := repository.NewActionRepository(db, logger)
	convergeRepo := repository.NewConvergeRepository(db, logger)
	alertLogRepo := repository.NewAlertLogRepository(db, logger)

	// 4. 缓存与队列
	configCache := cache.NewConfigCache(redisClient, logger)
	snapshots := cache.NewSnapshotStore(redisClient, logger)
	execQueue := queue.NewExecuteQueue(redisClient, logger)
	delayQueue := queue.NewDelayQueue(redisClient, logger)

	// 5. 负责人解析、屏蔽判定、降噪门
	resolver := assign.NewResolver(configCache, configCache, configCache, logger)
	shieldEvaluator := shield.NewEvaluator(
		&cacheRuleProvider{redisClient: redisClient},
		cfg.GlobalShieldEnabled,
		logger,
	)
	gate := noisereduce.NewGate(redisClient, logger)

	// 6. 动作工厂与收敛引擎（互相引用，先建工厂后注入）
	factory := action.NewFactory(
		cfg,
		configCache,
		snapshots,
		actionRepo,
		alertLogRepo,
		resolver,
		shieldEvaluator,
		gate,
		execQueue,
		logger,
	)
	convergeEngine := converge.NewEngine(convergeRepo, actionRepo, redisClient, factory, logger)
	factory.SetConvergeEngine(convergeEngine)

	// 7. 通知分发
	renderer := render.NewRenderer(cfg.SMSContentLength, cfg.NoticeMessageMaxLength, cfg.DatetimeFormat, logger)
	dispatcher := notice.NewDispatcher(actionRepo, redisClient, renderer, logger)
	if cfg.SMTP.Host != "" {
		dispatcher.RegisterSender(models.NoticeWayMail, notice.NewMailSender(
			cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
			cfg.SMTP.From, cfg.SMTP.Domain, logger,
		))
	}
	if cfg.GatewayURL != "" {
		gateway := notice.NewGatewaySender(cfg.GatewayURL, time.Duration(cfg.GatewayTimeout)*time.Second, logger)
		for _, way := range []string{
			models.NoticeWaySMS,
			models.NoticeWayWeixin,
			models.NoticeWayVoice,
			models.NoticeWayWxBot,
		} {
			dispatcher.RegisterSender(way, gateway)
		}
		if cfg.SMTP.Host == "" {
			dispatcher.RegisterSender(models.NoticeWayMail, gateway)
		}
	}

	// 8. 消息队列出口
	var mqSink mq.Sink
	if cfg.EnableMessageQueue && cfg.MessageQueueDSN != "" {
		mqSink, err = mq.NewSink(cfg.MessageQueueDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init message queue sink: %w", err)
		}
	}

	// 9. 插件执行器
	exec := executor.NewExecutor(actionRepo, alertLogRepo, delayQueue, mqSink, logger)
	callTimeout := time.Duration(cfg.PluginCallTimeout) * time.Second
	exec.RegisterCaller(models.PluginWebhook, executor.NewWebhookCaller(callTimeout, logger))
	if cfg.JobAPIURL != "" {
		exec.RegisterCaller(models.PluginJob, executor.NewAPICaller(cfg.JobAPIURL, "job", callTimeout, logger))
	}
	if cfg.SopsAPIURL != "" {
		exec.RegisterCaller(models.PluginSops, executor.NewAPICaller(cfg.SopsAPIURL, "sops", callTimeout, logger))
	}
	if cfg.ItsmAPIURL != "" {
		exec.RegisterCaller(models.PluginITSM, executor.NewAPICaller(cfg.ItsmAPIURL, "itsm", callTimeout, logger))
	}

	// 10. 周期调度
	sched := scheduler.NewScheduler(
		cfg,
		clock.New(),
		actionRepo,
		configCache,
		snapshots,
		factory,
		shieldEvaluator,
		queue.NewServiceLock(redisClient),
		snapshots,
		logger,
	)

	// 11. 指标
	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)
	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	}

	return &EngineService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		logger:       logger,
		actionRepo:   actionRepo,
		convergeRepo: convergeRepo,
		alertLogRepo: alertLogRepo,
		configCache:  configCache,
		snapshots:    snapshots,
		execQueue:    execQueue,
		delayQueue:   delayQueue,
		factory:      factory,
		dispatcher:   dispatcher,
		executor:     exec,
		scheduler:    sched,
		mqSink:       mqSink,
		metrics:      engineMetrics,
		metricsSrv:   metricsSrv,
	}, nil
}

// CreateActions 信号入口：外部告警事件触发动作创建
func (s *EngineService) CreateActions(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string) ([]string, error) {
	parentIDs, err := s.factory.CreateActions(ctx, strategyID, signal, alertIDs, time.Now())
	if err != nil {
		return nil, err
	}
	s.metrics.ActionsCreated.WithLabelValues("parent", string(signal)).Add(float64(len(parentIDs)))
	return parentIDs, nil
}

// Start 启动服务，阻塞到 ctx 取消
func (s *EngineService) Start(ctx context.Context) error {
	s.logger.Info("Starting action engine",
		zap.Int("worker_count", s.config.Engine.WorkerCount),
		zap.Int64s("shard_biz_ids", s.config.Engine.ShardBizIDs),
	)

	var wg sync.WaitGroup

	// 按插件类型启动 worker 池
	for _, pluginType := range workerQueues {
		for i := 0; i < s.config.Engine.WorkerCount; i++ {
			wg.Add(1)
			go func(pt models.PluginType) {
				defer wg.Done()
				s.runWorker(ctx, pt)
			}(pluginType)
		}
	}

	// 延迟队列泵：到期任务转入执行队列
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runDelayPump(ctx)
	}()

	// 周期调度器
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduler.Run(ctx)
	}()

	// 队列积压采样
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sampleQueueLag(ctx)
	}()

	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	wg.Wait()
	return nil
}

// Stop 停止服务
func (s *EngineService) Stop() error {
	s.logger.Info("Stopping action engine")

	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	if s.mqSink != nil {
		if err := s.mqSink.Close(); err != nil {
			s.logger.Error("Failed to close message queue sink", zap.Error(err))
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	return nil
}

// runWorker 单个 worker 循环：阻塞弹出动作ID并处理
func (s *EngineService) runWorker(ctx context.Context, pluginType models.PluginType) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		actionID, err := s.execQueue.Pop(ctx, string(pluginType), 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to pop action",
				zap.String("plugin_type", string(pluginType)),
				zap.Error(err),
			)
			time.Sleep(time.Second)
			continue
		}
		if actionID == "" {
			continue
		}
		s.handleAction(ctx, pluginType, actionID)
	}
}

// handleAction 处理单个动作：通知走分发器，其余插件走执行器
func (s *EngineService) handleAction(ctx context.Context, pluginType models.PluginType, actionID string) {
	started := time.Now()

	act, err := s.actionRepo.GetAction(ctx, actionID)
	if err != nil {
		s.logger.Error("Failed to load action",
			zap.String("action_id", actionID),
			zap.Error(err),
		)
		return
	}
	if len(act.Alerts) == 0 {
		s.finishFramework(ctx, act, "动作没有关联告警")
		return
	}

	alert, err := s.snapshots.Get(ctx, act.StrategyID, act.Alerts[0])
	if err != nil {
		s.finishFramework(ctx, act, fmt.Sprintf("告警快照已失效: %s", act.Alerts[0]))
		return
	}

	if act.PluginType == models.PluginNotice {
		err = s.dispatchNotice(ctx, act, alert)
	} else {
		err = s.executePlugin(ctx, act, alert)
	}
	if err != nil {
		s.logger.Error("Action processing failed",
			zap.String("action_id", actionID),
			zap.String("plugin_type", string(act.PluginType)),
			zap.Error(err),
		)
	}

	s.metrics.ExecuteDuration.WithLabelValues(string(act.PluginType)).Observe(time.Since(started).Seconds())
	if final := s.observeFinished(ctx, act); final != nil {
		s.notifyExecutePhase(ctx, final)
	}
}

func (s *EngineService) dispatchNotice(ctx context.Context, act *models.ActionInstance, alert *models.Alert) error {
	tpl := notice.Template{}
	if actionConfig, err := s.configCache.GetActionConfig(ctx, act.ConfigID); err == nil && actionConfig.ExecuteConfig != nil {
		tpl = templateFor(actionConfig.ExecuteConfig.TemplateDetail, act.Signal)
	}
	bizName := s.configCache.GetBizName(ctx, act.BizID)
	err := s.dispatcher.Dispatch(ctx, act, alert, tpl, bizName)
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.NoticesSent.WithLabelValues(act.Inputs.NoticeWay, result).Inc()
	return err
}

func (s *EngineService) executePlugin(ctx context.Context, act *models.ActionInstance, alert *models.Alert) error {
	plugin, err := s.configCache.GetPlugin(ctx, act.PluginID)
	if err != nil {
		return s.finishFramework(ctx, act, fmt.Sprintf("处理套餐插件 %d 不存在", act.PluginID))
	}
	return s.executor.Execute(ctx, act, plugin, alert)
}

func (s *EngineService) finishFramework(ctx context.Context, act *models.ActionInstance, message string) error {
	s.logger.Warn("Action aborted",
		zap.String("action_id", act.ID),
		zap.String("reason", message),
	)
	return s.actionRepo.SetFinished(ctx, act.ID, models.StatusFailure, models.FailureFramework, message, nil)
}

// observeFinished 以落库后的终态上报指标，返回已结束的动作
func (s *EngineService) observeFinished(ctx context.Context, act *models.ActionInstance) *models.ActionInstance {
	final, err := s.actionRepo.GetAction(ctx, act.ID)
	if err != nil || !final.IsFinished() {
		return nil
	}
	s.metrics.ActionsFinished.WithLabelValues(string(final.PluginType), string(final.Status)).Inc()
	if final.Status == models.StatusConverged {
		s.metrics.ActionsConverged.WithLabelValues(string(final.PluginType)).Inc()
	}
	return final
}

// notifyExecutePhase 非通知类动作结束后，向订阅了执行信号的关联发送阶段通知。
// 执行阶段信号自身不再扇出，防止循环。
func (s *EngineService) notifyExecutePhase(ctx context.Context, final *models.ActionInstance) {
	if final.IsParentAction || len(final.Alerts) == 0 {
		return
	}
	switch final.PluginType {
	case models.PluginNotice, models.PluginMessageQueue:
		return
	}
	switch final.Signal {
	case models.SignalExecuteSuccess, models.SignalExecuteFailed, models.SignalCollect:
		return
	}

	var phase models.ActionSignal
	switch final.Status {
	case models.StatusSuccess:
		phase = models.SignalExecuteSuccess
	case models.StatusFailure:
		phase = models.SignalExecuteFailed
	default:
		return
	}
	if _, err := s.factory.CreateActions(ctx, final.StrategyID, phase, final.Alerts, time.Now()); err != nil {
		s.logger.Warn("Execute phase notify failed",
			zap.String("action_id", final.ID),
			zap.String("signal", string(phase)),
			zap.Error(err),
		)
	}
}

// runDelayPump 延迟队列泵，到期任务重新进入对应执行队列
func (s *EngineService) runDelayPump(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tasks, err := s.delayQueue.PopDue(ctx, now)
			if err != nil {
				s.logger.Error("Failed to pop due tasks", zap.Error(err))
				continue
			}
			for _, task := range tasks {
				if err := s.execQueue.Push(ctx, task.ActionType, task.ActionID); err != nil {
					s.logger.Error("Failed to requeue delayed task",
						zap.String("action_id", task.ActionID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// sampleQueueLag 周期采样各执行队列积压长度
func (s *EngineService) sampleQueueLag(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pluginType := range workerQueues {
				n, err := s.execQueue.Len(ctx, string(pluginType))
				if err != nil {
					continue
				}
				s.metrics.QueueLag.WithLabelValues(string(pluginType)).Set(float64(n))
			}
		}
	}
}

// templateFor 从套餐模板配置中取信号对应的标题与正文模板。
// 模板按信号列表配置，未命中时返回空模板（渲染层回退内置模板）。
func templateFor(detail map[string]interface{}, signal models.ActionSignal) notice.Template {
	raw, ok := detail["template"].([]interface{})
	if !ok {
		return notice.Template{}
	}
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		signals, _ := entry["signal"].(string)
		if !signalListContains(signals, signal) {
			continue
		}
		title, _ := entry["title_tmpl"].(string)
		content, _ := entry["message_tmpl"].(string)
		return notice.Template{Title: title, Content: content}
	}
	return notice.Template{}
}

func signalListContains(signals string, signal models.ActionSignal) bool {
	for _, part := range strings.Split(signals, ",") {
		if strings.TrimSpace(part) == string(signal) {
			return true
		}
	}
	return false
}

// cacheRuleProvider 从 Redis 缓存读取业务屏蔽规则
type cacheRuleProvider struct {
	redisClient *redis.Client
}

func (p *cacheRuleProvider) ListRules(ctx context.Context, bizID int64) ([]*shield.Rule, error) {
	val, err := p.redisClient.Get(ctx, cache.ShieldRuleCacheKey(bizID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read shield rules: %w", err)
	}
	var rules []*shield.Rule
	if err := json.Unmarshal([]byte(val), &rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shield rules: %w", err)
	}
	return rules, nil
}

// buildDSN 构建数据库连接字符串
func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)
}
