package appdef

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nucleus/app-core/internal/core"
)

var validate = validator.New()

// Parse decodes and validates one integration definition. Malformed
// definitions come back as ConfigurationError; they are fatal, never retried.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, core.NewConfigurationError("", "invalid definition JSON: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate runs structural and semantic checks and fills the ID fields of
// entries keyed by their map key.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return core.NewConfigurationError("", "definition failed validation: %v", err)
	}

	for id, conn := range d.Connections {
		conn.ID = id
		if err := d.validateConnection(conn); err != nil {
			return err
		}
	}
	for id, webhook := range d.Webhooks {
		webhook.ID = id
		if err := d.validateWebhook(webhook); err != nil {
			return err
		}
	}
	for id, mod := range d.Modules {
		mod.ID = id
		if err := d.validateModule(mod); err != nil {
			return err
		}
	}
	for id, rpc := range d.Rpcs {
		rpc.ID = id
		if err := d.validateRpc(rpc); err != nil {
			return err
		}
	}
	for i, fn := range d.Functions {
		if fn.Name == "" || fn.Code == "" {
			return core.NewConfigurationError(fmt.Sprintf("functions[%d]", i), "name and code are required")
		}
	}
	return nil
}

func (d *Definition) validateConnection(conn *ConnectionDefinition) error {
	path := "connections." + conn.ID
	switch conn.Type {
	case ConnOAuth, ConnOAuthPKCE:
		if conn.Authorize == nil || conn.Token == nil {
			return core.NewConfigurationError(path, "oauth connections require authorize and token calls")
		}
		if conn.Authorize.URL == "" {
			return core.NewConfigurationError(path+".authorize", "url is required")
		}
	case ConnAPIKey, ConnBasic, ConnCustom:
		if conn.Info == nil {
			return core.NewConfigurationError(path, "%s connections require an info call for validation", conn.Type)
		}
	default:
		return core.NewConfigurationError(path, "unknown connection type %q", conn.Type)
	}
	return nil
}

func (d *Definition) validateModule(mod *ModuleDefinition) error {
	path := "modules." + mod.ID

	switch mod.Type {
	case ModuleAction, ModuleSearch, ModuleTrigger, ModuleInstantTrigger:
	default:
		return core.NewConfigurationError(path, "unknown module type %q", mod.Type)
	}

	if mod.Connection != "" {
		if _, ok := d.Connections[mod.Connection]; !ok {
			return core.NewConfigurationError(path, "unknown connection %q", mod.Connection)
		}
	}

	if mod.Type == ModuleInstantTrigger {
		if mod.Webhook == "" {
			return core.NewConfigurationError(path, "instant triggers require a webhook reference")
		}
		if _, ok := d.Webhooks[mod.Webhook]; !ok {
			return core.NewConfigurationError(path, "unknown webhook %q", mod.Webhook)
		}
		return nil
	}

	if len(mod.Calls) == 0 {
		return core.NewConfigurationError(path, "at least one call is required")
	}
	for i, call := range mod.Calls {
		if err := d.validateCall(call, fmt.Sprintf("%s.communication[%d]", path, i)); err != nil {
			return err
		}
	}

	if mod.Type == ModuleTrigger {
		last := mod.Calls[len(mod.Calls)-1]
		trigger := triggerSpecOf(last)
		if trigger == nil || trigger.ID == "" {
			return core.NewConfigurationError(path, "polling triggers require response.trigger.id on the final call")
		}
		if order := trigger.Order; order != "" && order != "asc" && order != "desc" {
			return core.NewConfigurationError(path, "trigger order must be asc or desc, got %q", order)
		}
	}
	return nil
}

func (d *Definition) validateRpc(rpc *RpcDefinition) error {
	path := "rpcs." + rpc.ID
	if len(rpc.Calls) == 0 {
		return core.NewConfigurationError(path, "at least one call is required")
	}
	for i, call := range rpc.Calls {
		if err := d.validateCall(call, fmt.Sprintf("%s.communication[%d]", path, i)); err != nil {
			return err
		}
	}
	if rpc.Nested != nil {
		if rpc.Nested.Rpc == "" || rpc.Nested.Parameter == "" {
			return core.NewConfigurationError(path+".nested", "rpc and parameter are required")
		}
		if _, ok := d.Rpcs[rpc.Nested.Rpc]; !ok {
			return core.NewConfigurationError(path+".nested", "unknown parent rpc %q", rpc.Nested.Rpc)
		}
	}
	if rpc.Connection != "" {
		if _, ok := d.Connections[rpc.Connection]; !ok {
			return core.NewConfigurationError(path, "unknown connection %q", rpc.Connection)
		}
	}
	return nil
}

func (d *Definition) validateWebhook(webhook *WebhookDefinition) error {
	path := "webhooks." + webhook.ID
	if webhook.Connection != "" {
		if _, ok := d.Connections[webhook.Connection]; !ok {
			return core.NewConfigurationError(path, "unknown connection %q", webhook.Connection)
		}
	}
	if webhook.Attach != nil && webhook.Attach.URL == "" {
		return core.NewConfigurationError(path+".attach", "url is required")
	}
	return nil
}

// validateCall enforces the required top-level request fields and pagination
// progress: a pagination block that changes nothing about the next request
// can never terminate and is rejected at load time.
func (d *Definition) validateCall(call *Call, path string) error {
	if call.URL == "" {
		return core.NewConfigurationError(path, "url is required")
	}
	if p := call.Pagination; p != nil {
		if p.URL == "" && len(p.QS) == 0 && len(p.Headers) == 0 {
			return core.NewConfigurationError(path+".pagination", "pagination must change url, qs or headers to progress")
		}
	}
	return nil
}

func triggerSpecOf(call *Call) *TriggerSpec {
	if call == nil || call.Response == nil {
		return nil
	}
	return call.Response.Trigger
}

// Method returns the call's HTTP method, defaulting to GET.
func (c *Call) MethodOrDefault() string {
	if c.Method == "" {
		return "GET"
	}
	return c.Method
}
