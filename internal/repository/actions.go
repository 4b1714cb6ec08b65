package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// ActionRepository 处理动作实例仓库
type ActionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActionRepository 创建处理动作仓库
func NewActionRepository(db *sql.DB, logger *zap.Logger) *ActionRepository {
	return &ActionRepository{
		db:     db,
		logger: logger,
	}
}

const actionColumns = `
	id,
	parent_id,
	is_parent_action,
	generate_uuid,
	strategy_id,
	strategy_relation_id,
	signal,
	plugin_id,
	plugin_type,
	action_config_id,
	bk_biz_id,
	alerts,
	alert_level,
	dimensions,
	dimension_hash,
	inputs,
	outputs,
	status,
	failure_type,
	ex_data,
	execute_times,
	need_poll,
	is_polled,
	timeout,
	create_time,
	update_time,
	end_time`

// CreateAction 创建处理动作实例
func (r *ActionRepository) CreateAction(ctx context.Context, action *models.ActionInstance) error {
	if action == nil {
		return fmt.Errorf("action is required")
	}
	if action.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if action.Signal == "" {
		return fmt.Errorf("action signal is required")
	}

	alerts, err := json.Marshal(action.Alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}
	dimensions, err := json.Marshal(action.Dimensions)
	if err != nil {
		return fmt.Errorf("failed to marshal dimensions: %w", err)
	}
	inputs, err := json.Marshal(action.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	outputs, err := json.Marshal(action.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	query := `
		INSERT INTO action_instances (
			id,
			parent_id,
			is_parent_action,
			generate_uuid,
			strategy_id,
			strategy_relation_id,
			signal,
			plugin_id,
			plugin_type,
			action_config_id,
			bk_biz_id,
			alerts,
			alert_level,
			dimensions,
			dimension_hash,
			inputs,
			outputs,
			status,
			failure_type,
			ex_data,
			execute_times,
			need_poll,
			is_polled,
			timeout,
			create_time,
			update_time
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		action.ID,
		action.ParentID,
		action.IsParentAction,
		action.GenerateUUID,
		action.StrategyID,
		action.StrategyRelationID,
		string(action.Signal),
		action.PluginID,
		string(action.PluginType),
		action.ConfigID,
		action.BizID,
		alerts,
		action.AlertLevel,
		dimensions,
		action.DimensionHash,
		inputs,
		outputs,
		string(action.Status),
		string(action.FailureType),
		action.ExData,
		action.ExecuteTimes,
		action.NeedPoll,
		action.IsPolled,
		action.Timeout,
		action.CreateTime,
		action.UpdateTime,
	)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

// GetAction 根据ID获取处理动作
func (r *ActionRepository) GetAction(ctx context.Context, actionID string) (*models.ActionInstance, error) {
	if actionID == "" {
		return nil, fmt.Errorf("action id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM action_instances WHERE id = $1`, actionColumns)
	row := r.db.QueryRowContext(ctx, query, actionID)
	action, err := scanAction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("action not found: %s", actionID)
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return action, nil
}

// GetLatestParent 获取告警在指定策略关联下最近创建的父任务，没有时返回 nil
func (r *ActionRepository) GetLatestParent(ctx context.Context, strategyRelationID int64, alertID string) (*models.ActionInstance, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s FROM action_instances
		WHERE is_parent_action = TRUE
		  AND strategy_relation_id = $1
		  AND alerts::jsonb @> $2::jsonb
		ORDER BY create_time DESC
		LIMIT 1
	`, actionColumns)

	member, err := json.Marshal([]string{alertID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert id: %w", err)
	}
	row := r.db.QueryRowContext(ctx, query, strategyRelationID, member)
	action, err := scanAction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest parent: %w", err)
	}
	return action, nil
}

// UpdateAction 部分更新处理动作
func (r *ActionRepository) UpdateAction(ctx context.Context, actionID string, updates map[string]interface{}) error {
	if actionID == "" {
		return fmt.Errorf("action id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	allowedFields := map[string]bool{
		"status":        true,
		"failure_type":  true,
		"ex_data":       true,
		"outputs":       true,
		"inputs":        true,
		"execute_times": true,
		"need_poll":     true,
		"is_polled":     true,
		"end_time":      true,
	}

	setParts := []string{}
	args := []interface{}{}
	argN := 1
	for field, value := range updates {
		if !allowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}
	setParts = append(setParts, "update_time = CURRENT_TIMESTAMP")

	args = append(args, actionID)
	query := fmt.Sprintf(`
		UPDATE action_instances
		SET %s
		WHERE id = $%d
	`, strings.Join(setParts, ", "), argN)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("action not found: %s", actionID)
	}
	return nil
}

// SetStatus 更新动作状态
func (r *ActionRepository) SetStatus(ctx context.Context, actionID string, status models.ActionStatus) error {
	return r.UpdateAction(ctx, actionID, map[string]interface{}{
		"status": string(status),
	})
}

// SetFinished 将动作置为终态并记录结束时间
func (r *ActionRepository) SetFinished(ctx context.Context, actionID string, status models.ActionStatus, failureType models.FailureType, exData string, outputs map[string]interface{}) error {
	if !models.EndStatus[status] {
		return fmt.Errorf("status %s is not an end status", status)
	}
	updates := map[string]interface{}{
		"status":       string(status),
		"failure_type": string(failureType),
		"ex_data":      exData,
		"end_time":     time.Now(),
	}
	if outputs != nil {
		data, err := json.Marshal(outputs)
		if err != nil {
			return fmt.Errorf("failed to marshal outputs: %w", err)
		}
		updates["outputs"] = data
	}
	return r.UpdateAction(ctx, actionID, updates)
}

// ListChildren 获取父任务的全部子任务
func (r *ActionRepository) ListChildren(ctx context.Context, parentID string) ([]*models.ActionInstance, error) {
	if parentID == "" {
		return nil, fmt.Errorf("parent id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s FROM action_instances
		WHERE parent_id = $1
		ORDER BY create_time ASC
	`, actionColumns)

	rows, err := r.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// ListUnfinishedParents 获取仍未结束的父任务（用于状态聚合巡检）
func (r *ActionRepository) ListUnfinishedParents(ctx context.Context, createdBefore time.Time, limit int) ([]*models.ActionInstance, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s FROM action_instances
		WHERE is_parent_action = TRUE
		  AND status IN ('received', 'running', 'polling')
		  AND create_time < $1
		ORDER BY create_time ASC
		LIMIT $2
	`, actionColumns)

	rows, err := r.db.QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished parents: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// ListTimeoutActions 获取已超过执行时限仍未结束的动作
func (r *ActionRepository) ListTimeoutActions(ctx context.Context, now time.Time, limit int) ([]*models.ActionInstance, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s FROM action_instances
		WHERE status IN ('received', 'running', 'polling')
		  AND timeout > 0
		  AND create_time < $1 - timeout * INTERVAL '1 second'
		ORDER BY create_time ASC
		LIMIT $2
	`, actionColumns)

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeout actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// MarkPolled 标记动作已进入轮询阶段
func (r *ActionRepository) MarkPolled(ctx context.Context, actionID string) error {
	return r.UpdateAction(ctx, actionID, map[string]interface{}{
		"is_polled": true,
		"status":    string(models.StatusPolling),
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.ActionInstance, error) {
	var action models.ActionInstance
	var parentID, dimensionHash, failureType, exData sql.NullString
	var endTime sql.NullTime
	var alerts, dimensions, inputs, outputs []byte
	var signal, pluginType, status string

	err := row.Scan(
		&action.ID,
		&parentID,
		&action.IsParentAction,
		&action.GenerateUUID,
		&action.StrategyID,
		&action.StrategyRelationID,
		&signal,
		&action.PluginID,
		&pluginType,
		&action.ConfigID,
		&action.BizID,
		&alerts,
		&action.AlertLevel,
		&dimensions,
		&dimensionHash,
		&inputs,
		&outputs,
		&status,
		&failureType,
		&exData,
		&action.ExecuteTimes,
		&action.NeedPoll,
		&action.IsPolled,
		&action.Timeout,
		&action.CreateTime,
		&action.UpdateTime,
		&endTime,
	)
	if err != nil {
		return nil, err
	}

	action.Signal = models.ActionSignal(signal)
	action.PluginType = models.PluginType(pluginType)
	action.Status = models.ActionStatus(status)
	if parentID.Valid {
		action.ParentID = parentID.String
	}
	if dimensionHash.Valid {
		action.DimensionHash = dimensionHash.String
	}
	if failureType.Valid {
		action.FailureType = models.FailureType(failureType.String)
	}
	if exData.Valid {
		action.ExData = exData.String
	}
	if endTime.Valid {
		action.EndTime = &endTime.Time
	}

	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &action.Alerts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alerts: %w", err)
		}
	}
	if len(dimensions) > 0 {
		if err := json.Unmarshal(dimensions, &action.Dimensions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dimensions: %w", err)
		}
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &action.Inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
		}
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &action.Outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
		}
	}

	return &action, nil
}

func scanActions(rows *sql.Rows) ([]*models.ActionInstance, error) {
	actions := []*models.ActionInstance{}
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return actions, nil
}
