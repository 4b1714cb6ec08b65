package notice

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/notice/render"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
)

// Template 某个信号×渠道下的通知模板
type Template struct {
	Title   string
	Content string
}

// Dispatcher 通知分发器，负责子任务级别的末端投递：
// 末端去重、内容渲染、渠道发送、结果聚合落库。
type Dispatcher struct {
	actions     *repository.ActionRepository
	redisClient *redis.Client
	renderer    *render.Renderer
	senders     map[string]Sender
	logger      *zap.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(actions *repository.ActionRepository, redisClient *redis.Client, renderer *render.Renderer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		actions:     actions,
		redisClient: redisClient,
		renderer:    renderer,
		senders:     map[string]Sender{},
		logger:      logger,
	}
}

// RegisterSender 注册渠道发送器，按通知方式路由
func (d *Dispatcher) RegisterSender(noticeWay string, sender Sender) {
	d.senders[noticeWay] = sender
}

// Dispatch 执行一个通知子任务。alert 为任务关联的首个告警快照。
func (d *Dispatcher) Dispatch(ctx context.Context, action *models.ActionInstance, alert *models.Alert, tpl Template, bizName string) error {
	if action == nil || len(action.Inputs.NoticeReceiver) == 0 {
		return fmt.Errorf("action has no notice receiver")
	}

	way := action.Inputs.NoticeWay
	collectedBy, err := d.markCollect(ctx, action, alert.ID)
	if err != nil {
		return err
	}
	if collectedBy != "" {
		d.logger.Info("通知已被同渠道任务汇总，跳过发送",
			zap.String("action_id", action.ID),
			zap.String("collected_by", collectedBy),
		)
		return d.actions.SetFinished(ctx, action.ID, models.StatusConverged, "",
			fmt.Sprintf("通知已由任务 %s 汇总发送", collectedBy), nil)
	}

	sender, ok := d.senders[way]
	if !ok {
		return d.actions.SetFinished(ctx, action.ID, models.StatusFailure, models.FailureFramework,
			fmt.Sprintf("未注册通知方式 %s 的发送器", way), nil)
	}

	renderCtx := d.renderer.BuildContext(alert, action, bizName)
	msg := &Message{
		Signal:       action.Signal,
		NoticeWay:    way,
		Receivers:    action.Inputs.NoticeReceiver,
		Title:        d.renderer.Render(tpl.Title, renderCtx),
		Content:      d.renderer.RenderFor(way, tpl.Content, renderCtx),
		MentionUsers: flattenMentions(action.Inputs.MentionUsers),
	}

	var results []Result
	if way == models.NoticeWayVoice {
		results = d.sendVoice(ctx, sender, msg)
	} else {
		results = sender.Send(ctx, msg)
	}

	return d.finish(ctx, action, results)
}

// markCollect 末端去重。同 (信号, 渠道, 告警) 的接收人映射用 Redis hash 维护，
// HSetNX 抢占成功者才真正发送，失败者返回占位任务ID。
func (d *Dispatcher) markCollect(ctx context.Context, action *models.ActionInstance, alertID string) (string, error) {
	key := cache.NoticeCollectKey(string(action.Signal), action.Inputs.NoticeWay, alertID)
	field := strings.Join(action.Inputs.NoticeReceiver, ",")

	pipe := d.redisClient.TxPipeline()
	setCmd := pipe.HSetNX(ctx, key, field, action.ID)
	pipe.Expire(ctx, key, cache.NoticeCollectTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to mark notice collect: %w", err)
	}
	if setCmd.Val() {
		return "", nil
	}

	holderID, err := d.redisClient.HGet(ctx, key, field).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read notice collect holder: %w", err)
	}
	if holderID == action.ID {
		return "", nil
	}

	// 占位任务已终态时由当前任务接管，覆盖占位
	holder, err := d.actions.GetAction(ctx, holderID)
	if err == nil && holder.IsFinished() && holder.Status != models.StatusSuccess {
		if err := d.redisClient.HSet(ctx, key, field, action.ID).Err(); err != nil {
			return "", fmt.Errorf("failed to take over notice collect: %w", err)
		}
		return "", nil
	}
	return holderID, nil
}

// sendVoice 电话拨打阶梯。接收人的每个元素是一个逗号分隔的拨打序列，
// 按组顺序逐组拨打，任一组内有人接听即终止后续分组；
// 全部分组拨完仍无人接听按接收人无效失败处理。
func (d *Dispatcher) sendVoice(ctx context.Context, sender Sender, msg *Message) []Result {
	var results []Result
	for _, group := range msg.Receivers {
		single := *msg
		single.Receivers = splitDialGroup(group)
		if len(single.Receivers) == 0 {
			continue
		}
		got := sender.Send(ctx, &single)
		results = append(results, got...)
		for _, r := range got {
			if r.OK {
				return results
			}
		}
	}
	for i := range results {
		if !results[i].OK && results[i].FailureType == "" {
			results[i].FailureType = models.FailureUser
		}
	}
	if len(results) > 0 {
		last := &results[len(results)-1]
		if last.Message == "" {
			last.Message = "全部接收人均未接听"
		}
	}
	return results
}

// finish 聚合逐人结果并落库终态
func (d *Dispatcher) finish(ctx context.Context, action *models.ActionInstance, results []Result) error {
	succeeded := 0
	var failMessages []string
	for _, r := range results {
		if r.OK {
			succeeded++
		} else if r.Message != "" {
			failMessages = append(failMessages, fmt.Sprintf("%s: %s", r.Receiver, r.Message))
		}
	}

	outputs := map[string]interface{}{"results": results}

	var status models.ActionStatus
	var failureType models.FailureType
	switch {
	case succeeded == len(results):
		status = models.StatusSuccess
	case succeeded > 0:
		status = models.StatusPartialSuccess
		failureType = worstFailure(results)
	default:
		status = models.StatusFailure
		failureType = worstFailure(results)
	}

	d.logger.Info("通知投递完成",
		zap.String("action_id", action.ID),
		zap.String("notice_way", action.Inputs.NoticeWay),
		zap.String("status", string(status)),
		zap.Int("succeeded", succeeded),
		zap.Int("total", len(results)),
	)
	return d.actions.SetFinished(ctx, action.ID, status, failureType, strings.Join(failMessages, "; "), outputs)
}

func splitDialGroup(group string) []string {
	var members []string
	for _, member := range strings.Split(group, ",") {
		if member = strings.TrimSpace(member); member != "" {
			members = append(members, member)
		}
	}
	return members
}

func flattenMentions(mentions []map[string][]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range mentions {
		for _, users := range m {
			for _, user := range users {
				if !seen[user] {
					seen[user] = true
					out = append(out, user)
				}
			}
		}
	}
	return out
}
