package workflow

// definitionSchema is the JSON-schema gate applied to raw definition
// documents before struct-level validation. It rejects type errors early and
// with better messages than yaml unmarshalling alone.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 3},
    "version": {"type": "string"},
    "settings": {
      "type": "object",
      "properties": {
        "poll_interval": {"type": "integer", "minimum": 1},
        "timeout": {"type": "integer", "minimum": 0},
        "instance_role": {"enum": ["executive", "manager", "specialist"]},
        "workspace_mode": {"enum": ["shared", "isolated"]},
        "useTaskIds": {"type": "boolean"},
        "recurring_keyword": {"type": "string"}
      }
    },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "prompt": {"type": "string"},
          "trigger_keyword": {"type": "string"},
          "timeout": {"type": "integer", "minimum": 0},
          "target": {"type": "string"},
          "on_success": {"type": "array"},
          "on_failure": {"type": "array"},
          "on_timeout": {"type": "array"}
        }
      }
    }
  }
}`
