package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEntityNotFound is returned by GetState for an unknown entity id.
var ErrEntityNotFound = errors.New("hass: entity not found")

// ErrInvalidCommand is returned when a typed command is missing a required argument.
var ErrInvalidCommand = errors.New("hass: invalid command")

// EntityState is one entry of get_states.
type EntityState struct {
	EntityID    string          `json:"entity_id"`
	State       string          `json:"state"`
	Attributes  map[string]any  `json:"attributes"`
	LastChanged time.Time       `json:"last_changed"`
	LastUpdated time.Time       `json:"last_updated"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// Domain returns the part of the entity id before the first dot.
func (e EntityState) Domain() string {
	return EntityDomain(e.EntityID)
}

// FriendlyName returns the friendly_name attribute, or "" if unset.
func (e EntityState) FriendlyName() string {
	name, _ := e.Attributes["friendly_name"].(string) //nolint:errcheck // Absent or non-string means no name
	return name
}

// EntityDomain returns the domain of an entity id ("light.kitchen" -> "light").
func EntityDomain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// ServiceCatalog maps domain -> service -> service description as returned by get_services.
type ServiceCatalog map[string]map[string]json.RawMessage

// callServicePayload is the body of a call_service request.
type callServicePayload struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// CallService invokes a hub service. Service calls have side effects and
// are never written twice.
//
// Parameters:
//   - ctx: Context for cancellation and deadline
//   - domain: Service domain, e.g. "light"
//   - service: Service name, e.g. "turn_on"
//   - data: Service data including any target entity_id/area_id/device_id
//
// Returns:
//   - json.RawMessage: The hub's result (context and optional response)
//   - error: *HubError or a session error
func (s *Session) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	if domain == "" || service == "" {
		return nil, fmt.Errorf("%w: call_service requires domain and service", ErrInvalidCommand)
	}
	return s.Send(ctx, "call_service", callServicePayload{
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}, NoResend)
}

// ReloadDomain calls <domain>.reload. Reloading twice is harmless for most
// integrations but not for all, so the call is not written again after a
// connection drop; callers may retry on ErrTransportLost.
func (s *Session) ReloadDomain(ctx context.Context, domain string) error {
	_, err := s.CallService(ctx, domain, "reload", nil)
	return err
}

// GetStates returns every entity state. Concurrent callers share one
// in-flight request.
func (s *Session) GetStates(ctx context.Context) ([]EntityState, error) {
	ch := s.flight.DoChan("get_states", func() (any, error) {
		// Detached from the first caller so its cancellation does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
		defer cancel()

		raw, err := s.Send(fctx, "get_states", nil, Resend)
		if err != nil {
			return nil, err
		}
		var states []EntityState
		if err := json.Unmarshal(raw, &states); err != nil {
			return nil, fmt.Errorf("decoding get_states result: %w", err)
		}
		return states, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]EntityState), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("get_states: %w", waitError(ctx))
	}
}

// GetState returns the state of one entity.
func (s *Session) GetState(ctx context.Context, entityID string) (EntityState, error) {
	states, err := s.GetStates(ctx)
	if err != nil {
		return EntityState{}, err
	}
	for _, st := range states {
		if st.EntityID == entityID {
			return st, nil
		}
	}
	return EntityState{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
}

// GetServices returns the service catalog.
func (s *Session) GetServices(ctx context.Context) (ServiceCatalog, error) {
	raw, err := s.Send(ctx, "get_services", nil, Resend)
	if err != nil {
		return nil, err
	}
	var catalog ServiceCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decoding get_services result: %w", err)
	}
	return catalog, nil
}

// GetConfig returns the hub core configuration (location, units, version).
func (s *Session) GetConfig(ctx context.Context) (map[string]any, error) {
	raw, err := s.Send(ctx, "get_config", nil, Resend)
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding get_config result: %w", err)
	}
	return cfg, nil
}

// RemoveEntityRegistryEntry deletes an entity from the entity registry.
// A second attempt would fail with not_found, so it is not written twice.
func (s *Session) RemoveEntityRegistryEntry(ctx context.Context, entityID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity id required", ErrInvalidCommand)
	}
	_, err := s.Send(ctx, "config/entity_registry/remove", map[string]string{
		"entity_id": entityID,
	}, NoResend)
	return err
}

// RenameEntity changes an entity's id and/or display name in the registry.
// Empty newID or newName leaves that attribute unchanged.
//
// Returns:
//   - json.RawMessage: The updated registry entry as returned by the hub
//   - error: *HubError (e.g. entity not in registry) or a session error
func (s *Session) RenameEntity(ctx context.Context, oldID, newID, newName string) (json.RawMessage, error) {
	if oldID == "" {
		return nil, fmt.Errorf("%w: entity id required", ErrInvalidCommand)
	}
	if newID == "" && newName == "" {
		return nil, fmt.Errorf("%w: nothing to rename", ErrInvalidCommand)
	}
	if newID != "" && EntityDomain(newID) != EntityDomain(oldID) {
		return nil, fmt.Errorf("%w: new entity id %q must keep domain %q",
			ErrInvalidCommand, newID, EntityDomain(oldID))
	}

	payload := map[string]string{"entity_id": oldID}
	if newID != "" && newID != oldID {
		payload["new_entity_id"] = newID
	}
	if newName != "" {
		payload["name"] = newName
	}
	return s.Send(ctx, "config/entity_registry/update", payload, NoResend)
}

// Ping sends an application-level ping and waits for the pong.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Send(ctx, "ping", nil, Resend)
	return err
}
