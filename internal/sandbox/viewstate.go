package sandbox

import "sync"

// ViewState is the default DOMExecutor: a flat key/value store plus
// per-event listener sets, standing in for the DOM view state a real
// browser document would hold. Exec understands "get", "set",
// "getAll", and "delete".
type ViewState struct {
	mu        sync.Mutex
	state     map[string]any
	listeners map[string]map[string]bool // event -> set of worker ids
}

func NewViewState() *ViewState {
	return &ViewState{state: make(map[string]any), listeners: make(map[string]map[string]bool)}
}

func (v *ViewState) Exec(cmd string, args map[string]any) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch cmd {
	case "get":
		key, _ := args["key"].(string)
		return v.state[key], nil
	case "getAll":
		out := make(map[string]any, len(v.state))
		for k, val := range v.state {
			out[k] = val
		}
		return out, nil
	case "set":
		key, _ := args["key"].(string)
		v.state[key] = args["value"]
		return nil, nil
	case "delete":
		key, _ := args["key"].(string)
		delete(v.state, key)
		return nil, nil
	default:
		return nil, nil
	}
}

func (v *ViewState) Listen(event, workerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listeners[event] == nil {
		v.listeners[event] = make(map[string]bool)
	}
	v.listeners[event][workerID] = true
}

func (v *ViewState) Unlisten(event, workerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.listeners[event], workerID)
}

func (v *ViewState) Listeners(event string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.listeners[event]))
	for id := range v.listeners[event] {
		out = append(out, id)
	}
	return out
}

func (v *ViewState) Snapshot() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]any, len(v.state))
	for k, val := range v.state {
		out[k] = val
	}
	return out
}
