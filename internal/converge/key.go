package converge

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// ConvergeKey 计算一级收敛键。
// 条件中值为 ["self"] 的维度从动作自身维度取值，否则取字面值；
// 参与收敛的动作只要这些维度值一致就会命中同一个键。
func ConvergeKey(action *models.ActionInstance, config *models.ConvergeConfig) string {
	dims := map[string]string{}
	for _, d := range action.Dimensions {
		dims[d.Key] = d.Value
	}

	pairs := make([]string, 0, len(config.Condition)+3)
	pairs = append(pairs,
		fmt.Sprintf("strategy_id=%d", action.StrategyID),
		fmt.Sprintf("relation_id=%d", action.StrategyRelationID),
		fmt.Sprintf("converge_func=%s", config.ConvergeFunc),
	)
	for _, cond := range config.Condition {
		value := resolveConditionValue(cond, action, dims)
		pairs = append(pairs, cond.Dimension+"="+value)
	}
	sort.Strings(pairs)

	sum := md5.Sum([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(sum[:])
}

// SubConvergeKey 计算二级收敛键（业务级汇总）
func SubConvergeKey(bizID int64, signal models.ActionSignal, noticeWay, receiver string, level int) string {
	raw := fmt.Sprintf("%d|%s|%s|%s|%d", bizID, signal, noticeWay, receiver, level)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func resolveConditionValue(cond models.ConvergeCondition, action *models.ActionInstance, dims map[string]string) string {
	if len(cond.Value) == 1 && cond.Value[0] == "self" {
		switch cond.Dimension {
		case "strategy_id":
			return fmt.Sprintf("%d", action.StrategyID)
		case "alert_level":
			return fmt.Sprintf("%d", action.AlertLevel)
		case "signal":
			return string(action.Signal)
		case "notice_way":
			return action.Inputs.NoticeWay
		case "notice_receiver":
			return strings.Join(action.Inputs.NoticeReceiver, ",")
		case "bk_biz_id":
			return fmt.Sprintf("%d", action.BizID)
		case "action_config_id":
			return fmt.Sprintf("%d", action.ConfigID)
		}
		return dims[cond.Dimension]
	}
	return strings.Join(cond.Value, ",")
}

// Description 收敛规则的人类可读描述
func Description(config *models.ConvergeConfig) string {
	dims := make([]string, 0, len(config.Condition))
	for _, cond := range config.Condition {
		dims = append(dims, cond.Dimension)
	}
	return fmt.Sprintf("%d分钟内，当相同[%s]的告警超过%d条时，对执行相同处理套餐的任务进行告警防御",
		config.Timedelta/60, strings.Join(dims, ","), config.Count)
}
