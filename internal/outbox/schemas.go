package outbox

import "example.com/activityledger/internal/events"

const dayIncrementedSchema = `{
  "type": "object",
  "title": "DayIncremented",
  "properties": {
    "user_id": {"type": "string"},
    "date": {"type": "string", "format": "date"},
    "timezone": {"type": "string"},
    "count": {"type": "integer", "minimum": 1},
    "event_id": {"type": "string"},
    "updated_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "date", "timezone", "count", "event_id", "updated_at"],
  "additionalProperties": false
}`

const daysBackfilledSchema = `{
  "type": "object",
  "title": "DaysBackfilled",
  "properties": {
    "user_id": {"type": "string"},
    "days": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "date": {"type": "string", "format": "date"},
          "timezone": {"type": "string"},
          "count": {"type": "integer", "minimum": 0}
        },
        "required": ["date", "timezone", "count"],
        "additionalProperties": false
      }
    },
    "backfilled_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "days", "backfilled_at"],
  "additionalProperties": false
}`

// schemaCatalog maps each routed event type to its JSON schema.
var schemaCatalog = map[string]string{
	events.TypeDayIncremented: dayIncrementedSchema,
	events.TypeDaysBackfilled: daysBackfilledSchema,
}
