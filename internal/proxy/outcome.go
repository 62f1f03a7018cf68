package proxy

// Outcome 表示镜像处理器对一次请求的处理结果。
type Outcome int

const (
	// OutcomeNotApplicable 表示请求不属于镜像（无映射或回源失败），应交给后续路由。
	OutcomeNotApplicable Outcome = iota
	// OutcomeServed 表示响应已经写出（包括 500）。
	OutcomeServed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeServed:
		return "served"
	case OutcomeNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}
