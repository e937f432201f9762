package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/farmdispatch/internal/dispatch"
	"github.com/mattjoyce/farmdispatch/internal/events"
)

const pollInterval = 2 * time.Second

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Outstanding   int64  `json:"outstanding"`
	LocalOnly     bool   `json:"local_only"`
	LastError     string `json:"last_error"`
}

type statusMsg dispatch.Status

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to /events and feeds parsed events into ch.
// It returns sseDisconnectedMsg when the stream drops.
func subscribeToEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		readEvents(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readEvents parses SSE frames until the scanner stops.
func readEvents(sc *bufio.Scanner, ch chan<- events.Event) {
	var cur events.Event
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func getJSON(apiURL, path string, v any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// /healthz answers 503 with a body when the dispatcher has failed.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func fetchHealth(apiURL string) tea.Msg {
	var h healthMsg
	if err := getJSON(apiURL, "/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

func fetchStatus(apiURL string) tea.Msg {
	var s dispatch.Status
	if err := getJSON(apiURL, "/status", &s); err != nil {
		return errMsg(err)
	}
	return statusMsg(s)
}

func poll(apiURL string) tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return fetchStatus(apiURL)
	})
}
