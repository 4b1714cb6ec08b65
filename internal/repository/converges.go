package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// ConvergeRepository 收敛实例仓库
type ConvergeRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConvergeRepository 创建收敛仓库
func NewConvergeRepository(db *sql.DB, logger *zap.Logger) *ConvergeRepository {
	return &ConvergeRepository{
		db:     db,
		logger: logger,
	}
}

// CreateConverge 创建收敛实例，返回自增ID
func (r *ConvergeRepository) CreateConverge(ctx context.Context, converge *models.ConvergeInstance) (int64, error) {
	if converge == nil {
		return 0, fmt.Errorf("converge is required")
	}
	if converge.ConvergeKey == "" {
		return 0, fmt.Errorf("converge key is required")
	}

	config, err := json.Marshal(converge.Config)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal converge config: %w", err)
	}

	query := `
		INSERT INTO converge_instances (
			bk_biz_id,
			converge_type,
			converge_func,
			converge_key,
			converge_config,
			description,
			detail,
			end_time,
			create_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, query,
		converge.BizID,
		string(converge.ConvergeType),
		string(converge.ConvergeFunc),
		converge.ConvergeKey,
		config,
		converge.Description,
		converge.Detail,
		converge.EndTime,
		converge.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create converge: %w", err)
	}
	return id, nil
}

// GetActiveConverge 获取收敛键对应的未关闭实例，不存在时返回 nil
func (r *ConvergeRepository) GetActiveConverge(ctx context.Context, convergeKey string, now time.Time) (*models.ConvergeInstance, error) {
	if convergeKey == "" {
		return nil, fmt.Errorf("converge key is required")
	}

	query := `
		SELECT
			id,
			bk_biz_id,
			converge_type,
			converge_func,
			converge_key,
			converge_config,
			description,
			detail,
			end_time,
			create_time
		FROM converge_instances
		WHERE converge_key = $1
		  AND (end_time IS NULL OR end_time > $2)
		ORDER BY create_time DESC
		LIMIT 1
	`

	converge, err := scanConverge(r.db.QueryRowContext(ctx, query, convergeKey, now))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get converge: %w", err)
	}
	return converge, nil
}

// GetConverge 根据ID获取收敛实例
func (r *ConvergeRepository) GetConverge(ctx context.Context, convergeID int64) (*models.ConvergeInstance, error) {
	if convergeID <= 0 {
		return nil, fmt.Errorf("converge id is required")
	}

	query := `
		SELECT
			id,
			bk_biz_id,
			converge_type,
			converge_func,
			converge_key,
			converge_config,
			description,
			detail,
			end_time,
			create_time
		FROM converge_instances
		WHERE id = $1
	`

	converge, err := scanConverge(r.db.QueryRowContext(ctx, query, convergeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("converge not found: %d", convergeID)
		}
		return nil, fmt.Errorf("failed to get converge: %w", err)
	}
	return converge, nil
}

// EndConverge 关闭收敛窗口
func (r *ConvergeRepository) EndConverge(ctx context.Context, convergeID int64, endTime time.Time) error {
	if convergeID <= 0 {
		return fmt.Errorf("converge id is required")
	}

	query := `
		UPDATE converge_instances
		SET end_time = $1
		WHERE id = $2
	`
	result, err := r.db.ExecContext(ctx, query, endTime, convergeID)
	if err != nil {
		return fmt.Errorf("failed to end converge: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("converge not found: %d", convergeID)
	}
	return nil
}

// AddRelation 建立动作与收敛实例的关联。
// (converge_id, related_id, related_type) 唯一，一个动作只会归属一个收敛实例，
// 冲突时静默忽略并返回 false。
func (r *ConvergeRepository) AddRelation(ctx context.Context, relation *models.ConvergeRelation) (bool, error) {
	if relation == nil {
		return false, fmt.Errorf("relation is required")
	}
	if relation.ConvergeID <= 0 {
		return false, fmt.Errorf("converge id is required")
	}
	if relation.RelatedID == "" {
		return false, fmt.Errorf("related id is required")
	}

	query := `
		INSERT INTO converge_relations (
			converge_id,
			related_id,
			related_type,
			converge_status,
			is_primary
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (converge_id, related_id, related_type) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		relation.ConvergeID,
		relation.RelatedID,
		string(relation.RelatedType),
		string(relation.ConvergeStatus),
		relation.IsPrimary,
	)
	if err != nil {
		return false, fmt.Errorf("failed to add converge relation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ElectPrimary 尝试将指定关联选举为收敛窗口的主实例。
// 依赖 (converge_id) WHERE is_primary 的部分唯一索引，同一窗口只会有一个主实例，
// 竞争失败时返回 false。
func (r *ConvergeRepository) ElectPrimary(ctx context.Context, convergeID int64, relatedID string) (bool, error) {
	if convergeID <= 0 {
		return false, fmt.Errorf("converge id is required")
	}
	if relatedID == "" {
		return false, fmt.Errorf("related id is required")
	}

	query := `
		UPDATE converge_relations
		SET is_primary = TRUE
		WHERE converge_id = $1
		  AND related_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM converge_relations
			WHERE converge_id = $1 AND is_primary = TRUE
		  )
	`
	result, err := r.db.ExecContext(ctx, query, convergeID, relatedID)
	if err != nil {
		return false, fmt.Errorf("failed to elect primary: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// GetPrimaryRelatedID 获取收敛窗口的主实例ID，不存在时返回空串
func (r *ConvergeRepository) GetPrimaryRelatedID(ctx context.Context, convergeID int64) (string, error) {
	if convergeID <= 0 {
		return "", fmt.Errorf("converge id is required")
	}

	var relatedID string
	err := r.db.QueryRowContext(ctx,
		`SELECT related_id FROM converge_relations WHERE converge_id = $1 AND is_primary = TRUE`,
		convergeID,
	).Scan(&relatedID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get primary relation: %w", err)
	}
	return relatedID, nil
}

// CountRelations 统计收敛窗口内的关联数量
func (r *ConvergeRepository) CountRelations(ctx context.Context, convergeID int64) (int, error) {
	if convergeID <= 0 {
		return 0, fmt.Errorf("converge id is required")
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM converge_relations WHERE converge_id = $1`,
		convergeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count converge relations: %w", err)
	}
	return count, nil
}

// ListRelatedIDs 获取收敛窗口内全部关联对象ID
func (r *ConvergeRepository) ListRelatedIDs(ctx context.Context, convergeID int64, relatedType models.ConvergeType) ([]string, error) {
	if convergeID <= 0 {
		return nil, fmt.Errorf("converge id is required")
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT related_id FROM converge_relations WHERE converge_id = $1 AND related_type = $2 ORDER BY related_id`,
		convergeID, string(relatedType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list converge relations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relations: %w", err)
	}
	return ids, nil
}

func scanConverge(row rowScanner) (*models.ConvergeInstance, error) {
	var converge models.ConvergeInstance
	var convergeType, convergeFunc string
	var description, detail sql.NullString
	var config []byte
	var endTime sql.NullTime

	err := row.Scan(
		&converge.ID,
		&converge.BizID,
		&convergeType,
		&convergeFunc,
		&converge.ConvergeKey,
		&config,
		&description,
		&detail,
		&endTime,
		&converge.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	converge.ConvergeType = models.ConvergeType(convergeType)
	converge.ConvergeFunc = models.ConvergeFunc(convergeFunc)
	if description.Valid {
		converge.Description = description.String
	}
	if detail.Valid {
		converge.Detail = detail.String
	}
	if endTime.Valid {
		converge.EndTime = &endTime.Time
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &converge.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal converge config: %w", err)
		}
	}
	return &converge, nil
}
