package catalog

import (
	"github.com/solmak/bothive/pkg/schema"
)

// Builtin returns a catalog pre-populated with every built-in node type.
func Builtin() *Catalog {
	c := New()
	for _, spec := range builtinSpecs() {
		// Built-in specs are static; a registration failure here is a
		// programming error.
		if err := c.Register(spec); err != nil {
			panic(err)
		}
	}
	return c
}

func builtinSpecs() []*TypeSpec {
	in := []PortSpec{{Name: schema.PortIn, Required: true}}
	out := []PortSpec{{Name: schema.PortOut}}
	outWithError := []PortSpec{{Name: schema.PortOut}, {Name: schema.PortError}}

	return []*TypeSpec{
		// Triggers have no inputs; they seed the frontier.
		{
			Type:     schema.NodeTriggerManual,
			Category: schema.CategoryTrigger,
			Label:    "Manual Trigger",
			Outputs:  out,
		},
		{
			Type:     schema.NodeTriggerSchedule,
			Category: schema.CategoryTrigger,
			Label:    "Schedule Trigger",
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"required": ["cron"],
				"properties": {
					"cron": {"type": "string", "minLength": 1}
				}
			}`,
		},
		{
			Type:     schema.NodeTriggerEvent,
			Category: schema.CategoryTrigger,
			Label:    "Event Trigger",
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"required": ["event"],
				"properties": {
					"event": {"type": "string", "minLength": 1},
					"agent_id": {"type": "string"},
					"filter": {"type": "string"}
				}
			}`,
		},
		{
			Type:     schema.NodeTriggerWebhook,
			Category: schema.CategoryTrigger,
			Label:    "Webhook Trigger",
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE"]},
					"secret": {"type": "string"}
				}
			}`,
		},

		// Logic
		{
			Type:     schema.NodeLogicIf,
			Category: schema.CategoryLogic,
			Label:    "If",
			Inputs:   in,
			Outputs:  []PortSpec{{Name: schema.PortTrue}, {Name: schema.PortFalse}},
			ConfigSchema: `{
				"type": "object",
				"required": ["path", "operator"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"operator": {"type": "string", "enum": [
						"equals", "not_equals",
						"greater_than", "greater_or_equal", "less_than", "less_or_equal",
						"contains", "starts_with", "ends_with",
						"exists", "not_exists", "is_empty", "is_not_empty"
					]},
					"value": {}
				}
			}`,
		},
		{
			Type:     schema.NodeLogicSwitch,
			Category: schema.CategoryLogic,
			Label:    "Switch",
			Inputs:   in,
			Outputs:  []PortSpec{{Name: schema.PortDefault}},
			ConfigSchema: `{
				"type": "object",
				"required": ["path", "cases"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"cases": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["value", "port"],
							"properties": {
								"value": {},
								"port": {"type": "string", "minLength": 1}
							}
						}
					}
				}
			}`,
		},
		{
			Type:     schema.NodeLogicMerge,
			Category: schema.CategoryLogic,
			Label:    "Merge",
			Inputs:   in,
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"properties": {
					"mode": {"type": "string", "enum": ["wait_all", "wait_any", "pass_through"]}
				}
			}`,
		},
		{
			Type:     schema.NodeLogicLoop,
			Category: schema.CategoryLogic,
			Label:    "Loop",
			Inputs:   in,
			Outputs:  []PortSpec{{Name: schema.PortItem}, {Name: schema.PortIndex}, {Name: schema.PortDone}},
			ConfigSchema: `{
				"type": "object",
				"properties": {
					"mode": {"type": "string", "enum": ["array", "count"]},
					"path": {"type": "string"},
					"count": {"type": "integer", "minimum": 0},
					"max_iterations": {"type": "integer", "minimum": 1}
				}
			}`,
		},
		{
			Type:     schema.NodeLogicStop,
			Category: schema.CategoryLogic,
			Label:    "Stop",
			Inputs:   in,
			ConfigSchema: `{
				"type": "object",
				"properties": {
					"outcome": {"type": "string", "enum": ["completed", "failed"]},
					"message": {"type": "string"}
				}
			}`,
		},

		// Data
		{
			Type:     schema.NodeDataSetVariable,
			Category: schema.CategoryData,
			Label:    "Set Variable",
			Inputs:   in,
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"value": {},
					"expression": {"type": "string"},
					"path": {"type": "string"}
				}
			}`,
		},
		{
			Type:     schema.NodeDataGetVariable,
			Category: schema.CategoryData,
			Label:    "Get Variable",
			Inputs:   in,
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"default": {}
				}
			}`,
		},
		{
			Type:     schema.NodeDataTransform,
			Category: schema.CategoryData,
			Label:    "Transform",
			Inputs:   in,
			Outputs:  outWithError,
			ConfigSchema: `{
				"type": "object",
				"required": ["expression"],
				"properties": {
					"expression": {"type": "string", "minLength": 1},
					"engine": {"type": "string", "enum": ["jq", "expr"]}
				}
			}`,
		},
		{
			Type:     schema.NodeDataHTTPRequest,
			Category: schema.CategoryData,
			Label:    "HTTP Request",
			Inputs:   in,
			Outputs:  outWithError,
			ConfigSchema: `{
				"type": "object",
				"required": ["url"],
				"properties": {
					"url": {"type": "string", "minLength": 1},
					"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
					"headers": {"type": "object"},
					"body": {},
					"timeout": {"type": "string", "pattern": "^[0-9]+(ms|s|m)$"}
				}
			}`,
		},

		// Actions
		{
			Type:     schema.NodeActionMove,
			Category: schema.CategoryAction,
			Label:    "Move",
			Inputs:   in,
			Outputs:  outWithError,
			ConfigSchema: `{
				"type": "object",
				"required": ["agent_id"],
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"x": {"type": "number"},
					"y": {"type": "number"},
					"z": {"type": "number"}
				}
			}`,
		},
		{
			Type:     schema.NodeActionChat,
			Category: schema.CategoryAction,
			Label:    "Chat",
			Inputs:   in,
			Outputs:  outWithError,
			ConfigSchema: `{
				"type": "object",
				"required": ["agent_id", "message"],
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"message": {"type": "string", "minLength": 1}
				}
			}`,
		},
		{
			Type:     schema.NodeActionScan,
			Category: schema.CategoryAction,
			Label:    "Scan",
			Inputs:   in,
			Outputs:  outWithError,
			ConfigSchema: `{
				"type": "object",
				"required": ["agent_id"],
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"radius": {"type": "integer", "minimum": 1}
				}
			}`,
		},
		{
			Type:     schema.NodeActionInventory,
			Category: schema.CategoryAction,
			Label:    "Inventory",
			Inputs:   in,
			Outputs:  outWithError,
			ConfigSchema: `{
				"type": "object",
				"required": ["agent_id"],
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"item": {"type": "string"}
				}
			}`,
		},
		{
			Type:     schema.NodeActionCollect,
			Category: schema.CategoryAction,
			Label:    "Collect",
			Inputs:   in,
			Outputs:  outWithError,
			ConfigSchema: `{
				"type": "object",
				"required": ["agent_id", "items"],
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"items": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["name", "count"],
							"properties": {
								"name": {"type": "string", "minLength": 1},
								"count": {"type": "integer", "minimum": 1}
							}
						}
					}
				}
			}`,
		},

		// Utility
		{
			Type:     schema.NodeUtilDelay,
			Category: schema.CategoryUtility,
			Label:    "Delay",
			Inputs:   in,
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"required": ["duration"],
				"properties": {
					"duration": {"type": "string", "pattern": "^[0-9]+(ms|s|m|h)$"}
				}
			}`,
		},
		{
			Type:     schema.NodeUtilWaitEvent,
			Category: schema.CategoryUtility,
			Label:    "Wait For Event",
			Inputs:   in,
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"required": ["event"],
				"properties": {
					"event": {"type": "string", "minLength": 1},
					"agent_id": {"type": "string"}
				}
			}`,
		},
		{
			Type:     schema.NodeUtilLog,
			Category: schema.CategoryUtility,
			Label:    "Log",
			Inputs:   in,
			Outputs:  out,
			ConfigSchema: `{
				"type": "object",
				"properties": {
					"message": {"type": "string"},
					"level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
				}
			}`,
		},
	}
}
