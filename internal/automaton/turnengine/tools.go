package turnengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/duskward/automaton/internal/automaton/errs"
	"github.com/duskward/automaton/internal/automaton/providers"
	"github.com/duskward/automaton/internal/automaton/router"
)

// toolHandler executes one tool call's already-unmarshaled arguments and
// returns the text recorded as the tool-role result.
type toolHandler func(ctx context.Context, args map[string]interface{}) (string, error)

// toolSpec describes one registered tool: its OpenAI-style definition, an
// optional argument schema validated before dispatch, whether a failure is
// fatal to the remainder of the turn (wallet-signer refusal, sandbox lost),
// and whether a success crosses a trust boundary.
type toolSpec struct {
	def           router.ToolDefinition
	schema        *jsonschema.Schema
	fatal         bool
	trustBoundary bool
	handler       toolHandler
}

// toolRegistry holds every tool available to the current turn, built fresh
// per-turn from the provider set so a missing provider simply omits its
// tools rather than panicking on a nil call.
type toolRegistry struct {
	specs map[string]*toolSpec
	order []string
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{specs: map[string]*toolSpec{}}
}

func (r *toolRegistry) add(name, description string, params map[string]interface{}, fatal, trustBoundary bool, handler toolHandler) {
	spec := &toolSpec{
		def: router.ToolDefinition{
			Type: "function",
			Function: router.FunctionDef{
				Name:        name,
				Description: description,
				Parameters:  params,
			},
		},
		fatal:         fatal,
		trustBoundary: trustBoundary,
		handler:       handler,
	}
	if params != nil {
		if compiled, err := compileSchema(name, params); err == nil {
			spec.schema = compiled
		}
	}
	r.specs[name] = spec
	r.order = append(r.order, name)
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	doc, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, bytes.NewReader(doc)); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

func (r *toolRegistry) definitions() []router.ToolDefinition {
	defs := make([]router.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.specs[name].def)
	}
	return defs
}

// crossesTrustBoundary reports whether a tool's success would cross a trust
// boundary, checked before dispatch so the per-turn limit can refuse the
// call instead of undoing it.
func (r *toolRegistry) crossesTrustBoundary(name string) bool {
	spec, ok := r.specs[name]
	return ok && spec.trustBoundary
}

// dispatchOutcome is the result of running one tool call.
type dispatchOutcome struct {
	result        string
	err           error
	fatal         bool
	trustBoundary bool
}

// dispatch validates arguments against the tool's schema (if any), then
// invokes its handler.
func (r *toolRegistry) dispatch(ctx context.Context, name, rawArgs string) dispatchOutcome {
	spec, ok := r.specs[name]
	if !ok {
		return dispatchOutcome{err: fmt.Errorf("%w: %q", errs.ErrToolUnknown, name)}
	}

	var args map[string]interface{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return dispatchOutcome{err: fmt.Errorf("invalid arguments for %q: %w", name, err)}
		}
	}

	if spec.schema != nil {
		var validateDoc interface{} = args
		if args == nil {
			validateDoc = map[string]interface{}{}
		}
		if err := spec.schema.Validate(validateDoc); err != nil {
			return dispatchOutcome{err: fmt.Errorf("arguments for %q failed validation: %w", name, err)}
		}
	}

	result, err := spec.handler(ctx, args)
	if err != nil && spec.fatal {
		err = fmt.Errorf("%w: %v", errs.ErrFatalTool, err)
	}
	return dispatchOutcome{result: result, err: err, fatal: spec.fatal && err != nil, trustBoundary: spec.trustBoundary && err == nil}
}

// Providers bundles the capability adapters the built-in tool set dispatches
// to. A nil field simply omits that tool from the registry for this turn.
type Providers struct {
	Sandbox   providers.Sandbox
	Social    providers.Social
	Wallet    providers.Wallet
	Chain     providers.ChainRPC
	SpawnFn   func(ctx context.Context, name, genesisPrompt string) (string, error)
	PublishFn func(ctx context.Context, summary string) (string, error)
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// buildToolRegistry assembles the tool set available for the current turn
// out of whichever providers are configured.
func buildToolRegistry(p Providers) *toolRegistry {
	r := newToolRegistry()

	if p.Sandbox != nil {
		r.add("sandbox_exec",
			"Run a shell command inside this automaton's own compute sandbox.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"timeoutMs": map[string]interface{}{"type": "integer"},
				},
				"required": []interface{}{"command"},
			},
			true, false,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				var command []string
				if raw, ok := args["command"].([]interface{}); ok {
					for _, c := range raw {
						if s, ok := c.(string); ok {
							command = append(command, s)
						}
					}
				}
				timeout := intArg(args, "timeoutMs")
				if timeout <= 0 {
					timeout = 30_000
				}
				res, err := p.Sandbox.Exec(ctx, command, timeout)
				if err != nil {
					return "", err
				}
				out, _ := json.Marshal(res)
				return string(out), nil
			})

		r.add("sandbox_write_file",
			"Write a file inside this automaton's sandbox.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path", "content"},
			},
			true, false,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				if err := p.Sandbox.WriteFile(ctx, stringArg(args, "path"), stringArg(args, "content")); err != nil {
					return "", err
				}
				return "ok", nil
			})

		r.add("sandbox_read_file",
			"Read a file from this automaton's sandbox.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path"},
			},
			false, false,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				return p.Sandbox.ReadFile(ctx, stringArg(args, "path"))
			})

		r.add("sandbox_expose_port",
			"Expose a port from this automaton's sandbox to the outside world.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"port": map[string]interface{}{"type": "integer"},
				},
				"required": []interface{}{"port"},
			},
			false, false,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				exposed, err := p.Sandbox.ExposePort(ctx, intArg(args, "port"))
				if err != nil {
					return "", err
				}
				return exposed.PublicURL, nil
			})
	}

	if p.Social != nil {
		r.add("social_send",
			"Send a message to another address over the social relay.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"to":      map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"to", "content"},
			},
			false, false,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				return p.Social.Send(ctx, stringArg(args, "to"), stringArg(args, "content"))
			})
	}

	if p.Wallet != nil {
		r.add("wallet_address",
			"Return this automaton's own wallet address.",
			nil, false, false,
			func(ctx context.Context, _ map[string]interface{}) (string, error) {
				return p.Wallet.Address(ctx)
			})

		r.add("wallet_sign_typed_data",
			"Sign an EIP-712-style typed-data payload, e.g. to authorize a transfer.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"domain":  map[string]interface{}{"type": "object"},
					"types":   map[string]interface{}{"type": "object"},
					"message": map[string]interface{}{"type": "object"},
				},
				"required": []interface{}{"domain", "types", "message"},
			},
			true, true,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				domainArg, _ := args["domain"].(map[string]interface{})
				typesArg, _ := args["types"].(map[string]interface{})
				messageArg, _ := args["message"].(map[string]interface{})
				return p.Wallet.SignTypedData(ctx,
					providers.TypedDataDomain(domainArg),
					parseTypedDataTypes(typesArg),
					messageArg)
			})
	}

	if p.Chain != nil {
		r.add("chain_read_contract",
			"Perform a read-only call against an on-chain contract.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"address": map[string]interface{}{"type": "string"},
					"abi":     map[string]interface{}{"type": "string"},
					"fn":      map[string]interface{}{"type": "string"},
					"argsHex": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"address", "fn"},
			},
			false, false,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				out, err := p.Chain.ReadContract(ctx, stringArg(args, "address"), stringArg(args, "abi"),
					stringArg(args, "fn"), []interface{}{stringArg(args, "argsHex")})
				if err != nil {
					return "", err
				}
				return string(out), nil
			})
	}

	if p.SpawnFn != nil {
		r.add("spawn_child",
			"Spawn a child automaton funded from this automaton's own balance.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":          map[string]interface{}{"type": "string"},
					"genesisPrompt": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"name", "genesisPrompt"},
			},
			false, true,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				return p.SpawnFn(ctx, stringArg(args, "name"), stringArg(args, "genesisPrompt"))
			})
	}

	if p.PublishFn != nil {
		r.add("publish_agent_card",
			"Publish or update this automaton's public agent card.",
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"summary": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"summary"},
			},
			false, true,
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				return p.PublishFn(ctx, stringArg(args, "summary"))
			})
	}

	return r
}

func parseTypedDataTypes(raw map[string]interface{}) providers.TypedDataTypes {
	out := providers.TypedDataTypes{}
	for typeName, fieldsRaw := range raw {
		list, ok := fieldsRaw.([]interface{})
		if !ok {
			continue
		}
		var fields []providers.TypedDataField
		for _, f := range list {
			fm, ok := f.(map[string]interface{})
			if !ok {
				continue
			}
			fields = append(fields, providers.TypedDataField{
				Name: stringArg(fm, "name"),
				Type: stringArg(fm, "type"),
			})
		}
		out[typeName] = fields
	}
	return out
}
