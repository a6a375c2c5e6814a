package scriptplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	"postpilot/internal/browser"
	"postpilot/internal/logging"
)

// runner executes manifest scripts inside broker tabs. A script file holds
// the body of an async JavaScript function receiving a single `params`
// object; whatever it returns is serialized in-page and decoded here.
type runner struct {
	broker browser.Broker
	logger logging.Logger

	mu    sync.Mutex
	cache map[string]string // script path -> source
}

func newRunner(broker browser.Broker, logger logging.Logger) *runner {
	return &runner{
		broker: broker,
		logger: logging.OrNop(logger),
		cache:  make(map[string]string),
	}
}

func (r *runner) source(path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.cache[path]; ok {
		return src, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	src := string(data)
	r.cache[path] = src
	return src, nil
}

// run evaluates the script at path in tabID with params marshaled into the
// page, then decodes the JSON the script returned into out. out may be nil
// for fire-and-forget scripts. Page scripts assembled by operators are not
// always careful serializers, so a decode failure gets one repair pass
// before giving up.
func (r *runner) run(ctx context.Context, tabID, path string, params, out any) error {
	src, err := r.source(path)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal script params: %w", err)
	}
	if params == nil {
		encoded = []byte("{}")
	}

	// The wrapper awaits the script and hands back a JSON string so the
	// result survives the protocol boundary regardless of what the script
	// returns.
	expr := fmt.Sprintf(`(async () => {
	const params = %s;
	const __result = await (async (params) => {
%s
	})(params);
	if (__result === undefined || __result === null) { return "null"; }
	return typeof __result === "string" ? __result : JSON.stringify(__result);
})()`, string(encoded), src)

	var raw string
	if err := r.broker.Evaluate(ctx, tabID, expr, &raw); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	if out == nil || raw == "" || raw == "null" {
		return nil
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(raw)
		if repErr != nil {
			return fmt.Errorf("decode script result: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			return fmt.Errorf("decode repaired script result: %w", err)
		}
		r.logger.Warn("script %s returned malformed JSON, repaired", path)
	}
	return nil
}
