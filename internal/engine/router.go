package engine

import "context"

// Router sends paid model ids (see PaidModel) to the paid backend and
// everything else to the local one.
type Router struct {
	local Backend
	paid  Engine
}

// NewRouter builds a Router. paid may be nil, in which case every model
// goes to local.
func NewRouter(local Backend, paid Engine) *Router {
	return &Router{local: local, paid: paid}
}

// Local returns the local backend.
func (r *Router) Local() Backend {
	return r.local
}

// Route returns the engine that serves model.
func (r *Router) Route(model string) Engine {
	e, _ := r.resolve(model)
	return e
}

// resolve picks the engine for model and the id to send it.
func (r *Router) resolve(model string) (Engine, string) {
	if r.paid != nil {
		if id, ok := PaidModel(model); ok {
			return r.paid, id
		}
	}
	return r.local, model
}

func (r *Router) Generate(ctx context.Context, model, prompt string) (string, error) {
	e, id := r.resolve(model)
	return e.Generate(ctx, id, prompt)
}

func (r *Router) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	e, id := r.resolve(model)
	return e.Chat(ctx, id, messages)
}
