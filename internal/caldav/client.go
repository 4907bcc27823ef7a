package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrTransient        = errors.New("transient target store failure")
	ErrPermanent        = errors.New("permanent target store failure")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12

	prodID = "-//MacJediWizard//CalSyncMW//EN"
)

// EventData is a fully specified event to be created in the target
// calendar.
type EventData struct {
	UID            string
	Subject        string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	RecurrenceRule string
}

// EventPatch carries only the fields an update actually changes. Nil
// means leave the stored value alone.
type EventPatch struct {
	Subject        *string
	Description    *string
	Location       *string
	Start          *time.Time
	End            *time.Time
	AllDay         *bool
	RecurrenceRule *string
}

// PutResult is the server-assigned reference for a stored event.
type PutResult struct {
	Href      string
	ETag      string
	ICalendar string
}

// Options configures client construction.
type Options struct {
	BaseURL       string
	Username      string
	Password      string
	CalendarPath  string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Client provides CalDAV event operations with bounded retry.
type Client struct {
	baseURL       string
	calendarPath  string
	username      string
	password      string
	httpClient    *http.Client
	caldavClient  *caldav.Client
	retryAttempts int
	retryDelay    time.Duration
}

// NewClient creates a new CalDAV client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   opts.Timeout,
		Transport: &statusTransport{base: transport},
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, opts.Username, opts.Password),
		opts.BaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	calendarPath := opts.CalendarPath
	if calendarPath == "" {
		calendarPath = "/"
	}
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}

	return &Client{
		baseURL:       opts.BaseURL,
		calendarPath:  calendarPath,
		username:      opts.Username,
		password:      opts.Password,
		httpClient:    httpClient,
		caldavClient:  caldavClient,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
	}, nil
}

// HealthCheck probes the server via the current-user principal.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// CreateEvent stores a new event. The UID doubles as the object name, so
// re-creating the same UID is an upsert on the server side.
func (c *Client) CreateEvent(ctx context.Context, event *EventData) (*PutResult, error) {
	cal := buildCalendar(event)
	return c.putCalendar(ctx, c.eventPath(event.UID), cal)
}

// UpdateEvent fetches the stored object, applies only the patched fields
// and puts it back.
func (c *Client) UpdateEvent(ctx context.Context, uid, href string, patch *EventPatch) (*PutResult, error) {
	path := href
	if path == "" {
		path = c.eventPath(uid)
	}

	var obj *caldav.CalendarObject
	err := c.withRetry(ctx, "fetch event", func(ctx context.Context) error {
		var err error
		obj, err = c.caldavClient.GetCalendarObject(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	if obj.Data == nil {
		return nil, fmt.Errorf("%w: %w: event %s has no calendar data", ErrPermanent, ErrInvalidResponse, uid)
	}

	if err := applyPatch(obj.Data, patch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	return c.putCalendar(ctx, path, obj.Data)
}

// DeleteEvent removes an event. A missing object comes back as
// ErrNotFound; callers treat that as already deleted.
func (c *Client) DeleteEvent(ctx context.Context, uid, href string) error {
	path := href
	if path == "" {
		path = c.eventPath(uid)
	}
	return c.withRetry(ctx, "delete event", func(ctx context.Context) error {
		return c.caldavClient.RemoveAll(ctx, path)
	})
}

// putCalendar writes a calendar object with retry and reports the server
// assigned reference.
func (c *Client) putCalendar(ctx context.Context, path string, cal *ical.Calendar) (*PutResult, error) {
	var stored *caldav.CalendarObject
	err := c.withRetry(ctx, "put event", func(ctx context.Context) error {
		var err error
		stored, err = c.caldavClient.PutCalendarObject(ctx, path, cal)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &PutResult{
		Href:      path,
		ICalendar: encodeCalendar(cal),
	}
	if stored != nil {
		if stored.Path != "" {
			result.Href = stored.Path
		}
		result.ETag = stored.ETag
	}
	return result, nil
}

// withRetry runs op, retrying transient failures with exponential backoff
// doubling from the configured base delay. Permanent failures propagate
// immediately; exhaustion propagates the last error.
func (c *Client) withRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * (1 << (attempt - 1))
			log.Printf("CalDAV %s failed (attempt %d/%d), retrying in %v: %v", name, attempt, c.retryAttempts, delay, lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return classifyPermanent(name, err)
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrTransient, name, c.retryAttempts, lastErr)
}

// httpStatusError carries the status of a rejected request. The CalDAV
// library keeps its HTTP error type unexported, so the transport surfaces
// the code itself before the library sees the response.
type httpStatusError struct {
	Code   int
	Status string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server returned %s", e.Status)
}

// statusTransport fails requests carrying an error status at the
// transport layer, keeping the status code inspectable through the
// url.Error wrapping above it.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// isTransient reports whether an error is worth retrying: connectivity
// failures, timeouts, 5xx and 429. Other HTTP errors are the server
// rejecting the request and will not improve on retry.
func isTransient(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// classifyPermanent wraps a non-retryable error with its category
// sentinel. 404 gets its own identity so delete-of-absent can be treated
// as success.
func classifyPermanent(name string, err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPermanent, name, err)
}

// eventPath returns the object path for a UID within the configured
// calendar collection.
func (c *Client) eventPath(uid string) string {
	return c.calendarPath + uid + ".ics"
}

// buildCalendar renders an EventData as a single-event VCALENDAR.
func buildCalendar(event *EventData) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, event.UID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ev.Props.SetText(ical.PropSummary, event.Subject)

	if event.Description != "" {
		ev.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ev.Props.SetText(ical.PropLocation, event.Location)
	}

	setEventTime(ev, ical.PropDateTimeStart, event.Start, event.AllDay)
	setEventTime(ev, ical.PropDateTimeEnd, event.End, event.AllDay)

	if event.RecurrenceRule != "" {
		setRawProp(ev, ical.PropRecurrenceRule, event.RecurrenceRule)
	}

	cal.Children = append(cal.Children, ev.Component)
	return cal
}

// applyPatch rewrites only the patched properties of the first VEVENT.
func applyPatch(cal *ical.Calendar, patch *EventPatch) error {
	events := cal.Events()
	if len(events) == 0 {
		return fmt.Errorf("%w: stored object has no VEVENT", ErrInvalidResponse)
	}
	ev := &events[0]

	if patch.Subject != nil {
		ev.Props.SetText(ical.PropSummary, *patch.Subject)
	}
	if patch.Description != nil {
		if *patch.Description == "" {
			ev.Props.Del(ical.PropDescription)
		} else {
			ev.Props.SetText(ical.PropDescription, *patch.Description)
		}
	}
	if patch.Location != nil {
		if *patch.Location == "" {
			ev.Props.Del(ical.PropLocation)
		} else {
			ev.Props.SetText(ical.PropLocation, *patch.Location)
		}
	}

	allDay := hasDateValue(ev.Props.Get(ical.PropDateTimeStart))
	if patch.AllDay != nil {
		allDay = *patch.AllDay
	}
	if patch.Start != nil {
		setEventTime(ev, ical.PropDateTimeStart, *patch.Start, allDay)
	}
	if patch.End != nil {
		setEventTime(ev, ical.PropDateTimeEnd, *patch.End, allDay)
	}
	if patch.RecurrenceRule != nil {
		if *patch.RecurrenceRule == "" {
			ev.Props.Del(ical.PropRecurrenceRule)
		} else {
			setRawProp(ev, ical.PropRecurrenceRule, *patch.RecurrenceRule)
		}
	}

	ev.Props.SetDateTime(ical.PropLastModified, time.Now().UTC())
	return nil
}

// setEventTime writes DTSTART/DTEND. All-day events carry DATE values,
// timed events carry UTC date-times.
func setEventTime(ev *ical.Event, name string, t time.Time, allDay bool) {
	p := ical.NewProp(name)
	if allDay {
		p.Params.Set(ical.ParamValue, "DATE")
		p.Value = t.Format("20060102")
	} else {
		p.Value = t.UTC().Format("20060102T150405Z")
	}
	ev.Props.Set(p)
}

// setRawProp writes a property value without text escaping. RRULE values
// contain semicolons that are structural, not literal.
func setRawProp(ev *ical.Event, name, value string) {
	p := ical.NewProp(name)
	p.Value = value
	ev.Props.Set(p)
}

// hasDateValue reports whether a property carries a DATE (all-day) value.
func hasDateValue(p *ical.Prop) bool {
	return p != nil && p.Params.Get(ical.ParamValue) == "DATE"
}

// encodeCalendar encodes a calendar object to iCalendar string.
func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}
