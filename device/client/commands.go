package client

import (
	"context"
	"fmt"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
)

// Typed helpers over SendRequest, one per bridge command. Validation
// happens here so a bad call fails before anything is spooled.

func (c *Client) send(ctx context.Context, command string, data map[string]any) (*envelope.Envelope, error) {
	return c.SendRequest(ctx, command, data)
}

func requireString(command, field, value string) error {
	if value == "" {
		return fmt.Errorf("%s requires %q", command, field)
	}
	return nil
}

// TestEcho round-trips data through the gateway for bandwidth probing.
func (c *Client) TestEcho(ctx context.Context, message any) (*envelope.Envelope, error) {
	return c.send(ctx, "test_echo", map[string]any{"message": message})
}

// HealthCheck verifies the gateway can reach the API.
func (c *Client) HealthCheck(ctx context.Context) (*envelope.Envelope, error) {
	return c.send(ctx, "health_check", map[string]any{})
}

// Entity operations.

func (c *Client) ListEntities(ctx context.Context, limit, offset int) (*envelope.Envelope, error) {
	return c.send(ctx, "list_entities", map[string]any{"limit": limit, "offset": offset})
}

func (c *Client) GetEntity(ctx context.Context, entityID string) (*envelope.Envelope, error) {
	if err := requireString("get_entity", "entity_id", entityID); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_entity", map[string]any{"entity_id": entityID})
}

func (c *Client) GetEntityByAlias(ctx context.Context, alias string) (*envelope.Envelope, error) {
	if err := requireString("get_entity_by_alias", "alias", alias); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_entity_by_alias", map[string]any{"alias": alias})
}

func (c *Client) CreateEntity(ctx context.Context, entityID, entityType, alias, subtype string, components map[string]any) (*envelope.Envelope, error) {
	for field, v := range map[string]string{
		"entity_id": entityID, "entity_type": entityType,
		"alias": alias, "subtype": subtype,
	} {
		if err := requireString("create_entity", field, v); err != nil {
			return nil, err
		}
	}
	data := map[string]any{
		"entity_id":   entityID,
		"entity_type": entityType,
		"alias":       alias,
		"subtype":     subtype,
	}
	if components != nil {
		data["components"] = components
	}
	return c.send(ctx, "create_entity", data)
}

func (c *Client) UpdateEntity(ctx context.Context, entityID string, fields map[string]any) (*envelope.Envelope, error) {
	if err := requireString("update_entity", "entity_id", entityID); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("update_entity requires at least one field")
	}
	data := map[string]any{"entity_id": entityID}
	for k, v := range fields {
		data[k] = v
	}
	return c.send(ctx, "update_entity", data)
}

func (c *Client) DeleteEntity(ctx context.Context, entityID string) (*envelope.Envelope, error) {
	if err := requireString("delete_entity", "entity_id", entityID); err != nil {
		return nil, err
	}
	return c.send(ctx, "delete_entity", map[string]any{"entity_id": entityID})
}

func (c *Client) CheckinEntity(ctx context.Context, entityID string, note string) (*envelope.Envelope, error) {
	if err := requireString("checkin_entity", "entity_id", entityID); err != nil {
		return nil, err
	}
	data := map[string]any{"entity_id": entityID}
	if note != "" {
		data["note"] = note
	}
	return c.send(ctx, "checkin_entity", data)
}

// UpdateTelemetry pushes a telemetry sample for an entity.
func (c *Client) UpdateTelemetry(ctx context.Context, entityID string, telemetry map[string]any) (*envelope.Envelope, error) {
	if err := requireString("update_telemetry", "entity_id", entityID); err != nil {
		return nil, err
	}
	if len(telemetry) == 0 {
		return nil, fmt.Errorf("update_telemetry requires telemetry data")
	}
	return c.send(ctx, "update_telemetry", map[string]any{
		"entity_id": entityID,
		"telemetry": telemetry,
	})
}

// Task operations.

func (c *Client) ListTasks(ctx context.Context, statusFilter string, limit int) (*envelope.Envelope, error) {
	data := map[string]any{"limit": limit}
	if statusFilter != "" {
		data["status_filter"] = statusFilter
	}
	return c.send(ctx, "list_tasks", data)
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*envelope.Envelope, error) {
	if err := requireString("get_task", "task_id", taskID); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_task", map[string]any{"task_id": taskID})
}

func (c *Client) GetTasksByEntity(ctx context.Context, entityID string) (*envelope.Envelope, error) {
	if err := requireString("get_tasks_by_entity", "entity_id", entityID); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_tasks_by_entity", map[string]any{"entity_id": entityID})
}

func (c *Client) CreateTask(ctx context.Context, taskID, entityID, taskType string, metadata map[string]any) (*envelope.Envelope, error) {
	if err := requireString("create_task", "entity_id", entityID); err != nil {
		return nil, err
	}
	data := map[string]any{"entity_id": entityID}
	if taskID != "" {
		data["task_id"] = taskID
	}
	if taskType != "" {
		data["type"] = taskType
	}
	if metadata != nil {
		data["metadata"] = metadata
	}
	return c.send(ctx, "create_task", data)
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, fields map[string]any) (*envelope.Envelope, error) {
	if err := requireString("update_task", "task_id", taskID); err != nil {
		return nil, err
	}
	data := map[string]any{"task_id": taskID}
	for k, v := range fields {
		data[k] = v
	}
	return c.send(ctx, "update_task", data)
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) (*envelope.Envelope, error) {
	if err := requireString("delete_task", "task_id", taskID); err != nil {
		return nil, err
	}
	return c.send(ctx, "delete_task", map[string]any{"task_id": taskID})
}

func (c *Client) TransitionTaskStatus(ctx context.Context, taskID, status string) (*envelope.Envelope, error) {
	if err := requireString("transition_task_status", "task_id", taskID); err != nil {
		return nil, err
	}
	if err := requireString("transition_task_status", "status", status); err != nil {
		return nil, err
	}
	return c.send(ctx, "transition_task_status", map[string]any{
		"task_id": taskID,
		"status":  status,
	})
}

func (c *Client) StartTask(ctx context.Context, taskID string) (*envelope.Envelope, error) {
	if err := requireString("start_task", "task_id", taskID); err != nil {
		return nil, err
	}
	return c.send(ctx, "start_task", map[string]any{"task_id": taskID})
}

func (c *Client) AcknowledgeTask(ctx context.Context, taskID string) (*envelope.Envelope, error) {
	if err := requireString("acknowledge_task", "task_id", taskID); err != nil {
		return nil, err
	}
	return c.send(ctx, "acknowledge_task", map[string]any{"task_id": taskID})
}

func (c *Client) CompleteTask(ctx context.Context, taskID, note string) (*envelope.Envelope, error) {
	if err := requireString("complete_task", "task_id", taskID); err != nil {
		return nil, err
	}
	data := map[string]any{"task_id": taskID}
	if note != "" {
		data["note"] = note
	}
	return c.send(ctx, "complete_task", data)
}

func (c *Client) FailTask(ctx context.Context, taskID, reason string) (*envelope.Envelope, error) {
	if err := requireString("fail_task", "task_id", taskID); err != nil {
		return nil, err
	}
	data := map[string]any{"task_id": taskID}
	if reason != "" {
		data["reason"] = reason
	}
	return c.send(ctx, "fail_task", data)
}

// Object operations.

func (c *Client) ListObjects(ctx context.Context, limit, offset int) (*envelope.Envelope, error) {
	return c.send(ctx, "list_objects", map[string]any{"limit": limit, "offset": offset})
}

func (c *Client) GetObject(ctx context.Context, objectID string) (*envelope.Envelope, error) {
	if err := requireString("get_object", "object_id", objectID); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_object", map[string]any{"object_id": objectID})
}

func (c *Client) CreateObject(ctx context.Context, data map[string]any) (*envelope.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("create_object requires data")
	}
	return c.send(ctx, "create_object", data)
}

func (c *Client) UpdateObject(ctx context.Context, objectID string, fields map[string]any) (*envelope.Envelope, error) {
	if err := requireString("update_object", "object_id", objectID); err != nil {
		return nil, err
	}
	data := map[string]any{"object_id": objectID}
	for k, v := range fields {
		data[k] = v
	}
	return c.send(ctx, "update_object", data)
}

func (c *Client) DeleteObject(ctx context.Context, objectID string) (*envelope.Envelope, error) {
	if err := requireString("delete_object", "object_id", objectID); err != nil {
		return nil, err
	}
	return c.send(ctx, "delete_object", map[string]any{"object_id": objectID})
}

func (c *Client) GetObjectsByEntity(ctx context.Context, entityID string, limit int) (*envelope.Envelope, error) {
	if err := requireString("get_objects_by_entity", "entity_id", entityID); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_objects_by_entity", map[string]any{
		"entity_id": entityID,
		"limit":     limit,
	})
}

func (c *Client) GetObjectsByTask(ctx context.Context, taskID string, limit int) (*envelope.Envelope, error) {
	if err := requireString("get_objects_by_task", "task_id", taskID); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_objects_by_task", map[string]any{
		"task_id": taskID,
		"limit":   limit,
	})
}

// Query operations.

// GetChangedSince fetches everything modified after the given RFC 3339
// timestamp.
func (c *Client) GetChangedSince(ctx context.Context, since string) (*envelope.Envelope, error) {
	if err := requireString("get_changed_since", "since", since); err != nil {
		return nil, err
	}
	return c.send(ctx, "get_changed_since", map[string]any{"since": since})
}

func (c *Client) GetFullDataset(ctx context.Context) (*envelope.Envelope, error) {
	return c.send(ctx, "get_full_dataset", map[string]any{})
}
