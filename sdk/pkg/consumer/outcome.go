package consumer

import (
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
)

// Outcome 单条消息处理后对位点的决定
type Outcome int

const (
	// OutcomeCommit 可以提交位点（已处理、已去重或未知类型）
	OutcomeCommit Outcome = iota
	// OutcomeRedeliver 阻止提交，等待重新投递
	OutcomeRedeliver
	// OutcomeDeadLetter 转入死信主题后提交
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommit:
		return "commit"
	case OutcomeRedeliver:
		return "redeliver"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// 处理结果分类，用作指标标签
const (
	ResultProcessed    = "processed"
	ResultSkipped      = "skipped"
	ResultFailed       = "failed"
	ResultDeadLettered = "dead_lettered"
	ResultUnknownType  = "unknown_type"
	ResultMalformed    = "malformed"
)

// Result 处理结果
type Result struct {
	Outcome   Outcome
	Err       error
	EventID   string
	EventType string
	Status    inbox.Status

	// Kind 结果分类，取值见 Result* 常量
	Kind string
}
