package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/paysink/internal/events"
	"github.com/mattjoyce/paysink/internal/scheduler"
)

// Client talks to the admin API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

type eventMsg events.Event

type healthMsg struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	QueueDepth    int               `json:"queue_depth"`
	Checks        map[string]string `json:"checks"`
}

type schedulerMsg struct {
	Paused bool                   `json:"paused"`
	Tasks  []scheduler.TaskStatus `json:"tasks"`
}

type tickMsg time.Time

type errMsg error

type streamClosedMsg struct{ lastID int64 }

type reconnectMsg struct{}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) getJSON(path string, dst any) error {
	req, err := c.newRequest(context.Background(), http.MethodGet, path)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// /healthz answers 503 with a body when degraded.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *Client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

func (c *Client) fetchScheduler() tea.Msg {
	var s schedulerMsg
	if err := c.getJSON("/admin/scheduler", &s); err != nil {
		return errMsg(err)
	}
	return s
}

// setPaused pauses or resumes the scheduler and returns its new state.
func (c *Client) setPaused(paused bool) tea.Cmd {
	return func() tea.Msg {
		path := "/admin/scheduler/resume"
		if paused {
			path = "/admin/scheduler/pause"
		}
		req, err := c.newRequest(context.Background(), http.MethodPost, path)
		if err != nil {
			return errMsg(err)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("POST %s: %s", path, resp.Status))
		}
		var s schedulerMsg
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return errMsg(err)
		}
		return s
	}
}

// subscribe follows the activity stream from lastID and feeds ch until the
// connection drops.
func (c *Client) subscribe(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(context.Background(), http.MethodGet, "/admin/activity/stream")
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}
		// The stream is long-lived; no client timeout.
		resp, err := (&http.Client{Transport: c.HTTP.Transport}).Do(req)
		if err != nil {
			return streamClosedMsg{lastID: lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("activity stream: %s", resp.Status))
		}

		_ = readSSE(resp.Body, func(ev events.Event) {
			lastID = ev.ID
			ch <- ev
		})
		return streamClosedMsg{lastID: lastID}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// readSSE parses text/event-stream frames. Comment lines (keep-alives) are skipped.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var (
		cur  events.Event
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				emit(cur)
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if id, err := strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event:"):
			cur.Type = events.Topic(strings.TrimSpace(line[6:]))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line[5:], " "))
		}
	}
	return scanner.Err()
}
