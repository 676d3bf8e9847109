package inference

import (
	"context"
	"strings"
)

var _ Provider = (*Simulated)(nil)

// Simulated 根据目标文本给出确定性的决策，用于没有推理服务的本地环境
type Simulated struct{}

func (Simulated) Decide(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	goal := strings.ToLower(strings.TrimSpace(req.Goal))
	switch {
	case strings.HasPrefix(goal, "type "):
		return &Result{
			Decision:   Decision{Action: "type", Text: strings.TrimSpace(req.Goal[5:]), Reasoning: "goal asks to type text"},
			Confidence: 0.9,
		}, nil
	case strings.HasPrefix(goal, "scroll"):
		dir := "down"
		if strings.Contains(goal, "up") {
			dir = "up"
		}
		return &Result{
			Decision:   Decision{Action: "scroll", Direction: dir, Amount: 3, Reasoning: "goal asks to scroll"},
			Confidence: 0.85,
		}, nil
	case strings.HasPrefix(goal, "hover"):
		return &Result{
			Decision:   Decision{Action: "move", X: req.Width / 2, Y: req.Height / 2, Reasoning: "goal asks to hover"},
			Confidence: 0.7,
		}, nil
	case strings.Contains(goal, "save"):
		return &Result{
			Decision:   Decision{Action: "key_combination", Keys: []string{"ctrl", "s"}, Reasoning: "save shortcut"},
			Confidence: 0.95,
		}, nil
	default:
		return &Result{
			Decision:   Decision{Action: "click", X: req.Width / 2, Y: req.Height / 2, Button: "left", Reasoning: "no specific target, click center"},
			Confidence: 0.6,
		}, nil
	}
}
