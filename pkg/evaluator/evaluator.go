// Package evaluator implements C2: running a patch's CSS or JS against an
// attached page via Runtime.evaluate and classifying the result so the
// engines know whether to retry, give up, or move on.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	stdcdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/sirupsen/logrus"
)

// Outcome classifies the result of one evaluation attempt (spec.md §4.2,
// §7: TypeError is transient and worth retrying, any other exception
// class name is permanent).
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Evaluator runs JavaScript or CSS against an attached page.
type Evaluator struct {
	log *logrus.Entry
}

// New returns an Evaluator. A nil log falls back to the standard logger.
func New(log *logrus.Entry) *Evaluator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Evaluator{log: log}
}

// EvaluateJS runs raw JavaScript through Runtime.evaluate.
func (e *Evaluator) EvaluateJS(ctx context.Context, exec stdcdp.Executor, source string) (Outcome, error) {
	return e.run(ctx, exec, source)
}

// EvaluateCSS wraps CSS text in a <style>-element installer before
// running it. The wrapper is idempotent-tolerant: evaluating it twice
// installs two <style> elements rather than erroring, matching the
// at-least-once retry semantics of the Remote Engine (spec.md §4.2, §8).
func (e *Evaluator) EvaluateCSS(ctx context.Context, exec stdcdp.Executor, source string) (Outcome, error) {
	return e.run(ctx, exec, styleInstaller(source))
}

func (e *Evaluator) run(ctx context.Context, exec stdcdp.Executor, expression string) (Outcome, error) {
	execCtx := stdcdp.WithExecutor(ctx, exec)
	result, exceptionDetails, err := runtime.Evaluate(expression).WithReturnByValue(true).Do(execCtx)
	if err != nil {
		// A transport-level or CDP-level error, not a JS exception: the
		// caller decides whether the page is even still reachable.
		return Permanent, err
	}
	if exceptionDetails != nil {
		className := ""
		if exceptionDetails.Exception != nil {
			className = exceptionDetails.Exception.ClassName
		}
		if className == "TypeError" {
			return Transient, fmt.Errorf("evaluator: %s", exceptionDetails.Text)
		}
		e.log.WithField("exception", exceptionDetails.Text).Warn("evaluator: permanent evaluation failure")
		return Permanent, fmt.Errorf("evaluator: %s", exceptionDetails.Text)
	}
	_ = result
	return Success, nil
}

func styleInstaller(css string) string {
	encoded, _ := json.Marshal(css)
	return fmt.Sprintf(`(()=>{const el=document.createElement('style');el.textContent=%s;document.head.appendChild(el);})();`, encoded)
}
