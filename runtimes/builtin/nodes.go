package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cast"

	"github.com/conductline/conduct/graph"
	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/types"
)

const httpBodyLimit = 4 << 20

// RegisterStandardNodes installs the built-in node set: trigger
// passthrough, HTTP request, data shaping, branching, switching, loop
// and merge constructs.
func RegisterStandardNodes(r *Runtime) error {
	defs := []Definition{
		{Type: "webhook", Handler: webhookNode},
		{Type: "noop", Handler: noopNode},
		{Type: "http.request", Handler: httpRequestNode, Effectful: true, Credits: 1},
		{Type: "data.set", Handler: setDataNode},
		{Type: "data.merge", Handler: mergeNode},
		{Type: "logic.if", Handler: ifNode},
		{Type: "logic.switch", Handler: switchNode},
		{Type: graph.LoopNodeType, Handler: loopNode},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// webhookNode is the trigger entry point: it exposes the trigger
// payload the engine resolved into its input.
func webhookNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	payload, exists := inv.Input.GetData("payload")
	if !exists {
		payload = types.Data{}
	}
	return &runtimes.Result{Output: types.Data{"payload": payload}}, nil
}

func noopNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	return &runtimes.Result{Output: inv.Input.Clone()}, nil
}

/**
 * httpRequestNode issues one outbound HTTP call. Config: url, method,
 * headers, timeout_seconds; input pins may override url and supply a
 * body. Non-2xx statuses are still successful executions: the status
 * lands on the `status` pin and the caller branches on it.
 */
func httpRequestNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	url, exists := inv.Input.GetString("url")
	if !exists || url == "" {
		if url, exists = inv.Config.GetString("url"); !exists || url == "" {
			return nil, errors.BadRequestf("http.request: no url in input or config")
		}
	}

	method, exists := inv.Config.GetString("method")
	if !exists || method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if raw, exists := inv.Input.Get("body"); exists && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.Annotatef(err, "http.request: marshal body")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Annotatef(err, "http.request: build request")
	}
	if headers, exists := inv.Config.GetData("headers"); exists {
		for k, v := range headers {
			req.Header.Set(k, cast.ToString(v))
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	timeout := 30 * time.Second
	if secs, exists := inv.Config.GetFloat64("timeout_seconds"); exists && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	client := &http.Client{Timeout: timeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "http.request: %s %s", method, url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
	if err != nil {
		return nil, errors.Annotatef(err, "http.request: read body")
	}

	output := types.Data{
		"status": float64(resp.StatusCode),
		"body":   string(raw),
	}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		output["json"] = parsed
	} else {
		output["json"] = nil
	}
	return &runtimes.Result{Output: output}, nil
}

// setDataNode merges config `values` over the passthrough input and
// exposes the shaped object on the `data` pin.
func setDataNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	out := types.Data{}
	if in, exists := inv.Input.GetData("data"); exists {
		out = in.Clone()
	}
	if values, exists := inv.Config.GetData("values"); exists {
		out.Merge(values)
	}
	return &runtimes.Result{Output: types.Data{"data": out}}, nil
}

// mergeNode joins exec branches and merges whatever data inputs are
// present, later pins winning key conflicts.
func mergeNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	out := types.Data{}
	for _, key := range []string{"a", "b", "c", "d"} {
		if in, exists := inv.Input.GetData(key); exists {
			out.Merge(in)
		}
	}
	return &runtimes.Result{Output: types.Data{"data": out}}, nil
}

// ifNode activates exactly one of its `true`/`false` exec pins based
// on the boolean condition input.
func ifNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	cond, exists := inv.Input.GetBool("condition")
	if !exists {
		return nil, errors.BadRequestf("logic.if: no condition input")
	}
	branch := "false"
	if cond {
		branch = "true"
	}
	return &runtimes.Result{Output: types.Data{}, Activated: []string{branch}}, nil
}

/**
 * switchNode compares the `value` input against the config `cases`
 * list and activates the exec pin named after the matched case, or
 * `default` when nothing matches.
 */
func switchNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	value, exists := inv.Input.GetString("value")
	if !exists {
		return nil, errors.BadRequestf("logic.switch: no value input")
	}
	cases, _ := inv.Config.GetSlice("cases")
	for _, c := range cases {
		if cast.ToString(c) == value {
			return &runtimes.Result{Output: types.Data{}, Activated: []string{cast.ToString(c)}}, nil
		}
	}
	return &runtimes.Result{Output: types.Data{}, Activated: []string{"default"}}, nil
}

/**
 * loopNode drives one bounded iteration: the engine injects the
 * iteration index as an input, the node reads the item at that index
 * and activates `body`, or `done` once the items are exhausted. The
 * iteration bound itself is enforced by the planner, which resets the
 * body subgraph's readiness between iterations.
 */
func loopNode(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
	items, exists := inv.Input.GetSlice("items")
	if !exists {
		return nil, errors.BadRequestf("%s: no items input", graph.LoopNodeType)
	}
	index, exists := inv.Input.GetInt(graph.LoopIndexPin)
	if !exists {
		return nil, errors.BadRequestf("%s: no iteration index", graph.LoopNodeType)
	}

	if index >= len(items) {
		return &runtimes.Result{
			Output:    types.Data{"item": nil, "index": float64(index)},
			Activated: []string{graph.LoopDonePin},
		}, nil
	}
	return &runtimes.Result{
		Output:    types.Data{"item": items[index], "index": float64(index)},
		Activated: []string{graph.LoopBodyPin},
	}, nil
}
