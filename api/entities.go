package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/coalesce"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/gateway"
	apperrors "github.com/fleetview/fleetview-client/internal/errors"
	"github.com/fleetview/fleetview-client/internal/logging"
)

// Filter narrows a list call. Entries become query parameters on the
// outbound request and take part in the coalescing key, so two calls
// with the same filter share one round-trip.
type Filter map[string]string

func (f Filter) encode() string {
	if len(f) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range f {
		values.Set(k, v)
	}
	return values.Encode() // sorted by key, stable coalescing keys
}

// entityFacade is the composition shared by the Companies, Players and
// Users surfaces: cache first, then a coalesced gateway call, with the
// mirrored cache and shadow writes covering offline degradation.
type entityFacade struct {
	family   entity.Family
	gateway  *gateway.Client
	entities *cache.Cache
	flights  *coalesce.Group[[]entity.Record]
	store    credentials.Store
}

func newEntityFacade(family entity.Family, gw *gateway.Client, entities *cache.Cache, flights *coalesce.Group[[]entity.Record], store credentials.Store) *entityFacade {
	return &entityFacade{
		family:   family,
		gateway:  gw,
		entities: entities,
		flights:  flights,
		store:    store,
	}
}

// List returns the family's records, tenant-scoped for non-superadmin
// callers. A fresh cache answers without network; concurrent cold-cache
// calls with the same filter collapse into one request. When the server
// is unreachable the mirrored cache is served as a local degradation.
func (f *entityFacade) List(ctx context.Context, filter Filter) ([]entity.Record, error) {
	if entry, fresh := f.entities.Read(f.family); fresh && len(filter) == 0 {
		return f.scope(entry.Data), nil
	}

	key := string(f.family)
	if q := filter.encode(); q != "" {
		key += "?" + q
	}

	records, err := f.flights.Do(ctx, key, func(ctx context.Context) ([]entity.Record, error) {
		return f.fetch(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	return f.scope(records), nil
}

func (f *entityFacade) fetch(ctx context.Context, filter Filter) ([]entity.Record, error) {
	path := f.family.Path()
	if q := filter.encode(); q != "" {
		path += "?" + q
	}

	result, err := f.gateway.Do(ctx, "GET", path, nil)
	if err != nil {
		if result.UsedFallback {
			if mirrored, mErr := f.entities.ReadMirror(f.family); mErr == nil && len(mirrored) > 0 {
				logging.Debug().Str("family", string(f.family)).Msg("serving mirrored cache")
				return mirrored, nil
			}
		}
		return nil, apperrors.Wrapf(err, "[%s.List]", f.family)
	}

	var records []entity.Record
	if err := json.Unmarshal(result.Data, &records); err != nil {
		return nil, apperrors.Wrapf(err, "[%s.List] decode", f.family)
	}

	// Only the unfiltered collection is cached. A filtered fetch
	// neither writes nor invalidates, so a narrowed result can never
	// be served to an unfiltered read.
	if len(filter) == 0 {
		f.entities.Write(f.family, records)
	}
	return records, nil
}

// Create posts a new record. Offline, the write is applied to the
// mirror as a shadow record with a provisional id and returned as such.
func (f *entityFacade) Create(ctx context.Context, record entity.Record) (entity.Record, error) {
	record, err := f.forceTenant(record)
	if err != nil {
		return nil, err
	}

	result, err := f.gateway.Do(ctx, "POST", f.family.Path(), json.RawMessage(record))
	if err != nil {
		if result.UsedFallback {
			return f.shadowWrite(record)
		}
		return nil, apperrors.Wrapf(err, "[%s.Create]", f.family)
	}

	created := entity.Record(result.Data)
	f.upsertCached(created)
	return created, nil
}

// Update patches a record. The successful response replaces the
// cached copy; the server push reconciles everyone else.
func (f *entityFacade) Update(ctx context.Context, id string, patch entity.Record) (entity.Record, error) {
	if id == "" {
		return nil, &apperrors.ValidationError{Field: "id", Reason: "missing"}
	}
	patch, err := f.forceTenant(patch)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/%s", f.family.Path(), url.PathEscape(id))
	result, err := f.gateway.Do(ctx, "PUT", path, json.RawMessage(patch))
	if err != nil {
		if result.UsedFallback {
			merged, mErr := mergeRecord(id, f.cachedByID(id), patch)
			if mErr != nil {
				return nil, mErr
			}
			return f.shadowWrite(merged)
		}
		return nil, apperrors.Wrapf(err, "[%s.Update]", f.family)
	}

	updated := entity.Record(result.Data)
	f.upsertCached(updated)
	return updated, nil
}

// Delete removes a record, dropping it from the cache on success and
// from the mirror when offline.
func (f *entityFacade) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &apperrors.ValidationError{Field: "id", Reason: "missing"}
	}

	path := fmt.Sprintf("%s/%s", f.family.Path(), url.PathEscape(id))
	result, err := f.gateway.Do(ctx, "DELETE", path, nil)
	if err != nil {
		if result.UsedFallback {
			return f.entities.ShadowDelete(f.family, id)
		}
		return apperrors.Wrapf(err, "[%s.Delete]", f.family)
	}

	f.removeCached(id)
	return nil
}

// Refresh refetches the family bypassing the cache freshness check.
// The fallback poller uses it to keep data warm while the socket is
// down.
func (f *entityFacade) Refresh(ctx context.Context) error {
	f.entities.Invalidate(f.family)
	_, err := f.List(ctx, nil)
	return err
}

// scope filters records down to the caller's company unless the caller
// is a superadmin.
func (f *entityFacade) scope(records []entity.Record) []entity.Record {
	user := f.store.User()
	if user == nil || user.IsSuperAdmin() || user.CompanyID == "" {
		return records
	}

	scoped := make([]entity.Record, 0, len(records))
	for _, record := range records {
		if companyID := record.CompanyID(); companyID == "" || companyID == user.CompanyID {
			scoped = append(scoped, record)
		}
	}
	return scoped
}

// forceTenant stamps the caller's company onto outbound writes for
// non-superadmin users.
func (f *entityFacade) forceTenant(record entity.Record) (entity.Record, error) {
	user := f.store.User()
	if user == nil || user.IsSuperAdmin() || user.CompanyID == "" {
		return record, nil
	}
	return setField(record, "company_id", user.CompanyID)
}

func (f *entityFacade) shadowWrite(record entity.Record) (entity.Record, error) {
	if record.ID() == "" {
		stamped, err := setField(record, "id", uuid.NewString())
		if err != nil {
			return nil, err
		}
		record = stamped
	}
	shadow, err := f.entities.ShadowUpsert(f.family, record)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[%s.shadowWrite]", f.family)
	}
	logging.Debug().Str("family", string(f.family)).Str("id", shadow.ID()).Msg("shadow write applied")
	return shadow, nil
}

func (f *entityFacade) upsertCached(record entity.Record) {
	entry, fresh := f.entities.Read(f.family)
	if entry == nil || !fresh {
		// Patching a stale entry and re-writing it would restamp old
		// data for a full TTL. Drop it and let the next list refetch.
		f.entities.Invalidate(f.family)
		return
	}

	data := entry.Data
	replaced := false
	for i, existing := range data {
		if existing.ID() == record.ID() {
			data[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		data = append(data, record)
	}
	f.entities.Write(f.family, data)
}

func (f *entityFacade) removeCached(id string) {
	entry, fresh := f.entities.Read(f.family)
	if entry == nil || !fresh {
		f.entities.Invalidate(f.family)
		return
	}

	kept := make([]entity.Record, 0, len(entry.Data))
	for _, record := range entry.Data {
		if record.ID() != id {
			kept = append(kept, record)
		}
	}
	f.entities.Write(f.family, kept)
}

func (f *entityFacade) cachedByID(id string) entity.Record {
	if entry, _ := f.entities.Read(f.family); entry != nil {
		for _, record := range entry.Data {
			if record.ID() == id {
				return record
			}
		}
	}
	if mirrored, err := f.entities.ReadMirror(f.family); err == nil {
		for _, record := range mirrored {
			if record.ID() == id {
				return record
			}
		}
	}
	return nil
}

// setField rewrites one top-level field of a raw JSON record.
func setField(record entity.Record, field, value string) (entity.Record, error) {
	fields := map[string]interface{}{}
	if len(record) > 0 {
		if err := json.Unmarshal([]byte(record), &fields); err != nil {
			return nil, apperrors.Wrapf(err, "[api.setField] decode")
		}
	}
	fields[field] = value

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[api.setField] encode")
	}
	return entity.Record(raw), nil
}

// mergeRecord overlays a patch onto the last known copy of a record so
// a shadow update keeps the fields the patch did not touch.
func mergeRecord(id string, base, patch entity.Record) (entity.Record, error) {
	merged := map[string]interface{}{}
	if len(base) > 0 {
		if err := json.Unmarshal([]byte(base), &merged); err != nil {
			return nil, apperrors.Wrapf(err, "[api.mergeRecord] base")
		}
	}

	overlay := map[string]interface{}{}
	if len(patch) > 0 {
		if err := json.Unmarshal([]byte(patch), &overlay); err != nil {
			return nil, apperrors.Wrapf(err, "[api.mergeRecord] patch")
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	merged["id"] = id

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[api.mergeRecord] encode")
	}
	return entity.Record(raw), nil
}
