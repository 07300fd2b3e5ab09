// Test harness for exercising task cancellation against a running
// control plane: creates a task, tails the event stream, cancels, and
// prints the terminal state.
//
// Usage: go run ./scripts/test-task-cancel -server=http://127.0.0.1:8080
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

var (
	server      = flag.String("server", "http://127.0.0.1:8080", "control plane base URL")
	instruction = flag.String("instruction", "打开设置然后返回桌面", "task instruction to submit")
	deviceID    = flag.String("device", "", "pin the task to a device id (default: scheduler picks)")
	wait        = flag.Duration("wait", 3*time.Second, "time between create and cancel")
)

func main() {
	flag.Parse()
	base := strings.TrimRight(*server, "/")

	fmt.Println("=== Task cancel test ===")
	fmt.Printf("Server: %s\n\n", base)

	// 1. Tail the event stream so the status transitions are visible.
	fmt.Println("1. Subscribing to /ws/events...")
	stop := tailEvents(base)
	defer stop()

	// 2. Create the task.
	fmt.Println("\n2. Creating task...")
	spec := map[string]any{"instruction": *instruction}
	if *deviceID != "" {
		spec["device_id"] = *deviceID
	}
	created, err := postJSON(base+"/tasks", spec)
	if err != nil {
		fmt.Printf("create failed: %v\n", err)
		os.Exit(1)
	}
	taskID, _ := created["id"].(string)
	fmt.Printf("   id=%s status=%v\n", taskID, created["status"])
	if taskID == "" {
		fmt.Println("server returned no task id")
		os.Exit(1)
	}

	// 3. Let it sit in the queue or start running.
	fmt.Printf("\n3. Waiting %s before cancelling...\n", *wait)
	time.Sleep(*wait)

	// 4. Cancel.
	fmt.Println("\n4. Cancelling...")
	cancelled, err := postJSON(base+"/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		fmt.Printf("cancel failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   status=%v error=%v\n", cancelled["status"], cancelled["error"])

	// 5. Read the task back and give late events a moment to arrive.
	time.Sleep(1 * time.Second)
	final, err := getJSON(base + "/tasks/" + taskID)
	if err != nil {
		fmt.Printf("fetch failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n5. Final state: status=%v steps=%v\n", final["status"], final["step_count"])

	if final["status"] != "cancelled" {
		fmt.Printf("\n=== FAIL: expected cancelled, got %v ===\n", final["status"])
		os.Exit(1)
	}
	fmt.Println("\n=== Task cancel test complete ===")
}

// tailEvents prints every frame from the UI event stream until stopped.
// A control plane without reachable events is not fatal; the harness
// still verifies the HTTP side.
func tailEvents(base string) (stop func()) {
	u, err := url.Parse(base)
	if err != nil {
		return func() {}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/events"

	conn, _, err := gorillaws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Printf("   (event stream unavailable: %v)\n", err)
		return func() {}
	}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Printf("<<< [events] %s\n", string(data))
		}
	}()
	return func() { conn.Close() }
}

func postJSON(endpoint string, body any) (map[string]any, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		fmt.Printf(">>> POST %s %s\n", endpoint, string(data))
		payload = bytes.NewReader(data)
	} else {
		fmt.Printf(">>> POST %s\n", endpoint)
	}
	resp, err := http.Post(endpoint, "application/json", payload)
	if err != nil {
		return nil, err
	}
	return readJSON(resp)
}

func getJSON(endpoint string) (map[string]any, error) {
	fmt.Printf(">>> GET %s\n", endpoint)
	resp, err := http.Get(endpoint)
	if err != nil {
		return nil, err
	}
	return readJSON(resp)
}

func readJSON(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	fmt.Printf("<<< %d %s\n", resp.StatusCode, string(data))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
