package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const outageColumns = `id, type, status, start_time, estimated_end_time, actual_end_time,
	area_id, shape, reason, provider_ref, version, created_at, updated_at`

const userColumns = `id, name, email, phone, push_token, messaging_id, locale, active, area_id, lat, lng`

// SQLiteDirectoryStore implements DirectoryStore backed by SQLite.
type SQLiteDirectoryStore struct {
	db *sql.DB
}

// NewSQLiteDirectoryStore returns a new SQLiteDirectoryStore.
func NewSQLiteDirectoryStore(db *sql.DB) *SQLiteDirectoryStore {
	return &SQLiteDirectoryStore{db: db}
}

// GetOutage returns the outage with its area attached when the area exists.
func (s *SQLiteDirectoryStore) GetOutage(ctx context.Context, id string) (*Outage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outageColumns+` FROM outages WHERE id = ?`, id)
	o, err := scanOutage(row)
	if err != nil {
		return nil, fmt.Errorf("getting outage %q: %w", id, err)
	}
	if err := s.attachArea(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// UpsertOutage inserts or replaces an outage. CreatedAt and UpdatedAt default
// to now when unset.
func (s *SQLiteDirectoryStore) UpsertOutage(ctx context.Context, o *Outage) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.AreaID == "" {
		o.AreaID = o.EffectiveAreaID()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	shapeJSON, err := json.Marshal(o.Shape)
	if err != nil {
		return fmt.Errorf("marshaling shape for outage %q: %w", o.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outages (`+outageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			start_time = excluded.start_time,
			estimated_end_time = excluded.estimated_end_time,
			actual_end_time = excluded.actual_end_time,
			area_id = excluded.area_id,
			shape = excluded.shape,
			reason = excluded.reason,
			provider_ref = excluded.provider_ref,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		o.ID, string(o.Type), string(o.Status), toMillis(o.StartTime),
		nullMillis(o.EstimatedEndTime), nullMillis(o.ActualEndTime),
		o.AreaID, string(shapeJSON), o.Reason, o.ProviderRef, o.Version,
		toMillis(o.CreatedAt), toMillis(o.UpdatedAt),
	)
	if err != nil {
		return unavailable(fmt.Sprintf("saving outage %q", o.ID), err)
	}
	if o.Area != nil && o.Area.ID != "" && o.Area.Name != "" {
		return s.UpsertArea(ctx, o.Area)
	}
	return nil
}

// ListUpcomingOutages returns SCHEDULED outages with from < start_time <= to.
func (s *SQLiteDirectoryStore) ListUpcomingOutages(ctx context.Context, from, to time.Time) (_ []*Outage, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outageColumns+` FROM outages
		WHERE status = ? AND start_time > ? AND start_time <= ?
		ORDER BY start_time ASC, id ASC`,
		string(OutageScheduled), toMillis(from), toMillis(to))
	if err != nil {
		return nil, unavailable("listing upcoming outages", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	outages := make([]*Outage, 0)
	for rows.Next() {
		o, err := scanOutage(rows)
		if err != nil {
			return nil, err
		}
		outages = append(outages, o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating outages", err)
	}
	if err := rows.Close(); err != nil {
		return nil, unavailable("closing outage rows", err)
	}
	for _, o := range outages {
		if err := s.attachArea(ctx, o); err != nil {
			return nil, err
		}
	}
	return outages, nil
}

// GetArea returns an area by id.
func (s *SQLiteDirectoryStore) GetArea(ctx context.Context, id string) (*Area, error) {
	var (
		a            Area
		boundaryJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, district, province, boundary FROM areas WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.District, &a.Province, &boundaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting area %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("getting area %q", id), err)
	}
	if err := json.Unmarshal([]byte(boundaryJSON), &a.Boundary); err != nil {
		return nil, fmt.Errorf("parsing boundary for area %q: %w", id, err)
	}
	return &a, nil
}

// UpsertArea inserts or replaces an area.
func (s *SQLiteDirectoryStore) UpsertArea(ctx context.Context, a *Area) error {
	if a.ID == "" {
		return fmt.Errorf("area id is required")
	}
	boundaryJSON, err := json.Marshal(a.Boundary)
	if err != nil {
		return fmt.Errorf("marshaling boundary for area %q: %w", a.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO areas (id, name, district, province, boundary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			district = excluded.district,
			province = excluded.province,
			boundary = excluded.boundary`,
		a.ID, a.Name, a.District, a.Province, string(boundaryJSON),
	)
	if err != nil {
		return unavailable(fmt.Sprintf("saving area %q", a.ID), err)
	}
	return nil
}

// GetUser returns a user and its preferences.
func (s *SQLiteDirectoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("getting user %q: %w", id, err)
	}
	if err := s.loadPreferences(ctx, []*User{u}); err != nil {
		return nil, err
	}
	return u, nil
}

// UpsertUser replaces the user row and its preference rows in one transaction.
func (s *SQLiteDirectoryStore) UpsertUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	var lat, lng sql.NullFloat64
	if u.Location != nil {
		lat = sql.NullFloat64{Float64: u.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: u.Location.Lng, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin user upsert", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			push_token = excluded.push_token,
			messaging_id = excluded.messaging_id,
			locale = excluded.locale,
			active = excluded.active,
			area_id = excluded.area_id,
			lat = excluded.lat,
			lng = excluded.lng`,
		u.ID, u.Name, u.Email, u.Phone, u.PushToken, u.MessagingID, u.Locale,
		boolInt(u.Active), u.AreaID, lat, lng,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("saving user %q", u.ID), err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM notification_preferences WHERE user_id = ?`, u.ID); err != nil {
		return unavailable(fmt.Sprintf("clearing preferences for user %q", u.ID), err)
	}
	for i, p := range u.Preferences {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_preferences (user_id, outage_type, channel, enabled,
			       advance_notice_minutes, receive_updates, receive_restoration, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, outage_type, channel) DO NOTHING`,
			u.ID, string(p.OutageType), string(p.Channel), boolInt(p.Enabled),
			p.AdvanceNoticeMinutes, boolInt(p.ReceiveUpdates), boolInt(p.ReceiveRestoration), i,
		)
		if err != nil {
			return unavailable(fmt.Sprintf("saving preference for user %q", u.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit user upsert", err)
	}
	return nil
}

// ListActiveUsersByArea returns active users of an area ordered by id.
func (s *SQLiteDirectoryStore) ListActiveUsersByArea(ctx context.Context, areaID string) (_ []*User, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users
		WHERE area_id = ? AND active = 1 ORDER BY id ASC`, areaID)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("listing users of area %q", areaID), err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating users", err)
	}
	if err := rows.Close(); err != nil {
		return nil, unavailable("closing user rows", err)
	}
	if err := s.loadPreferences(ctx, users); err != nil {
		return nil, err
	}
	return users, nil
}

// loadPreferences fills Preferences for each user. The rows cursor must be
// closed before this runs because the pool holds a single connection.
func (s *SQLiteDirectoryStore) loadPreferences(ctx context.Context, users []*User) error {
	for _, u := range users {
		prefs, err := s.preferencesFor(ctx, u.ID)
		if err != nil {
			return err
		}
		u.Preferences = prefs
	}
	return nil
}

func (s *SQLiteDirectoryStore) preferencesFor(ctx context.Context, userID string) (_ []NotificationPreference, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outage_type, channel, enabled, advance_notice_minutes, receive_updates, receive_restoration
		FROM notification_preferences WHERE user_id = ? ORDER BY position ASC`, userID)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("loading preferences for user %q", userID), err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	prefs := make([]NotificationPreference, 0)
	for rows.Next() {
		var (
			p                             NotificationPreference
			outageType, channel           string
			enabled, updates, restoration int
		)
		if err := rows.Scan(&outageType, &channel, &enabled, &p.AdvanceNoticeMinutes, &updates, &restoration); err != nil {
			return nil, unavailable("scanning preference", err)
		}
		p.OutageType = OutageType(outageType)
		p.Channel = ChannelType(channel)
		p.Enabled = enabled != 0
		p.ReceiveUpdates = updates != 0
		p.ReceiveRestoration = restoration != 0
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating preferences", err)
	}
	return prefs, nil
}

// attachArea resolves the outage's area. A dangling area id leaves Area nil.
func (s *SQLiteDirectoryStore) attachArea(ctx context.Context, o *Outage) error {
	if o.AreaID == "" {
		return nil
	}
	a, err := s.GetArea(ctx, o.AreaID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.Area = a
	return nil
}

func scanOutage(row scanner) (*Outage, error) {
	var (
		o                    Outage
		outageType, status   string
		start, created, upd  int64
		estimatedEnd, actEnd sql.NullInt64
		shapeJSON            string
	)
	err := row.Scan(&o.ID, &outageType, &status, &start, &estimatedEnd, &actEnd,
		&o.AreaID, &shapeJSON, &o.Reason, &o.ProviderRef, &o.Version, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scanning outage", err)
	}
	if err := json.Unmarshal([]byte(shapeJSON), &o.Shape); err != nil {
		return nil, fmt.Errorf("parsing shape for outage %q: %w", o.ID, err)
	}
	o.Type = OutageType(outageType)
	o.Status = OutageStatus(status)
	o.StartTime = fromMillis(start)
	o.EstimatedEndTime = timePtr(estimatedEnd)
	o.ActualEndTime = timePtr(actEnd)
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(upd)
	return &o, nil
}

func scanUser(row scanner) (*User, error) {
	var (
		u        User
		active   int
		lat, lng sql.NullFloat64
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PushToken, &u.MessagingID,
		&u.Locale, &active, &u.AreaID, &lat, &lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scanning user", err)
	}
	u.Active = active != 0
	if lat.Valid && lng.Valid {
		u.Location = &GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &u, nil
}
