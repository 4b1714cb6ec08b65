package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// AlertLogRepository 告警流水仓库，动作执行的关键节点都会落一条流水
type AlertLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertLogRepository 创建告警流水仓库
func NewAlertLogRepository(db *sql.DB, logger *zap.Logger) *AlertLogRepository {
	return &AlertLogRepository{
		db:     db,
		logger: logger,
	}
}

// CreateLog 写入一条告警流水
func (r *AlertLogRepository) CreateLog(ctx context.Context, log *models.AlertLogEvent) error {
	if log == nil {
		return fmt.Errorf("log is required")
	}
	if len(log.AlertIDs) == 0 {
		return fmt.Errorf("alert ids are required")
	}
	if log.OpType == "" {
		return fmt.Errorf("op_type is required")
	}

	alertIDs, err := json.Marshal(log.AlertIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal alert ids: %w", err)
	}

	query := `
		INSERT INTO alert_logs (
			alert_ids,
			op_type,
			create_time,
			operator,
			description,
			content,
			router_info
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		alertIDs,
		log.OpType,
		log.CreateTime,
		log.Operator,
		log.Description,
		log.Content,
		log.RouterInfo,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert log: %w", err)
	}

	r.logger.Debug("Created alert log",
		zap.String("op_type", log.OpType),
		zap.Strings("alert_ids", log.AlertIDs),
	)
	return nil
}

// ListLogs 获取告警的流水记录（按时间倒序）
func (r *AlertLogRepository) ListLogs(ctx context.Context, alertID string, limit int) ([]*models.AlertLogEvent, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT
			alert_ids,
			op_type,
			create_time,
			operator,
			description,
			content,
			router_info
		FROM alert_logs
		WHERE alert_ids @> $1
		ORDER BY create_time DESC
		LIMIT $2
	`

	alertFilter, err := json.Marshal([]string{alertID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert filter: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, alertFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.AlertLogEvent{}
	for rows.Next() {
		var log models.AlertLogEvent
		var alertIDs []byte
		var operator, content, routerInfo sql.NullString

		err := rows.Scan(
			&alertIDs,
			&log.OpType,
			&log.CreateTime,
			&operator,
			&log.Description,
			&content,
			&routerInfo,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert log: %w", err)
		}

		if operator.Valid {
			log.Operator = operator.String
		}
		if content.Valid {
			log.Content = content.String
		}
		if routerInfo.Valid {
			log.RouterInfo = routerInfo.String
		}
		if len(alertIDs) > 0 {
			if err := json.Unmarshal(alertIDs, &log.AlertIDs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal alert ids: %w", err)
			}
		}
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert logs: %w", err)
	}
	return logs, nil
}
