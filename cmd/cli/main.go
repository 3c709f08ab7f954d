// Command cli is a terminal client for the classroom IDE: it speaks the
// same WebSocket protocol the browser does, which makes it the quickest
// way to poke a running server.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	handle    string
	secret    string
	token     string
)

type command struct {
	Cmd  string         `json:"cmd"`
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

type event struct {
	Type string         `json:"type"`
	ID   string         `json:"id,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func main() {
	root := &cobra.Command{
		Use:   "ide-cli",
		Short: "Terminal client for the classroom IDE",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "ws://localhost:8080/ws", "WebSocket endpoint")
	root.PersistentFlags().StringVar(&handle, "handle", os.Getenv("IDE_HANDLE"), "Login handle")
	root.PersistentFlags().StringVar(&secret, "secret", os.Getenv("IDE_SECRET"), "Login secret")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("IDE_TOKEN"), "Session token (instead of handle/secret)")

	root.AddCommand(&cobra.Command{
		Use:   "run [path]",
		Short: "Run a workspace script and drop into the interactive session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConn(func(c *conn) error { return runScript(c, args[0]) })
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "Print the workspace tree",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(listTree)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cat [path]",
		Short: "Print a workspace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConn(func(c *conn) error { return catFile(c, args[0]) })
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "put [path]",
		Short: "Write stdin to a workspace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConn(func(c *conn) error { return putFile(c, args[0]) })
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type conn struct {
	ws *websocket.Conn
}

func withConn(fn func(*conn) error) error {
	if _, err := url.Parse(serverURL); err != nil {
		return fmt.Errorf("bad server url: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer ws.Close()

	c := &conn{ws: ws}
	if err := c.login(); err != nil {
		return err
	}
	return fn(c)
}

func (c *conn) send(cmd string, data map[string]any) string {
	id := uuid.New().String()[:8]
	c.ws.WriteJSON(command{Cmd: cmd, ID: id, Data: data})
	return id
}

func (c *conn) read() (event, error) {
	var ev event
	err := c.ws.ReadJSON(&ev)
	return ev, err
}

func (c *conn) login() error {
	ev, err := c.read()
	if err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}
	if ev.Type != "auth_required" {
		return fmt.Errorf("unexpected greeting %q", ev.Type)
	}

	data := map[string]any{}
	if token != "" {
		data["token"] = token
	} else {
		if handle == "" || secret == "" {
			return fmt.Errorf("set --handle and --secret, or --token")
		}
		data["handle"] = handle
		data["secret"] = secret
	}
	c.send("authenticate", data)

	ev, err = c.read()
	if err != nil {
		return err
	}
	switch ev.Type {
	case "auth_ok":
		return nil
	case "auth_err":
		return fmt.Errorf("login failed: %v", ev.Data["message"])
	default:
		return fmt.Errorf("unexpected auth reply %q", ev.Type)
	}
}

// runScript streams execution events to the terminal and forwards lines
// typed by the user as input.
func runScript(c *conn, path string) error {
	id := c.send("run", map[string]any{"path": path})

	// Forward stdin lines to the running execution.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			c.send("repl_input", map[string]any{"text": scanner.Text()})
		}
	}()

	for {
		ev, err := c.read()
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		if ev.ID != "" && ev.ID != id {
			continue
		}

		switch ev.Type {
		case "stdout":
			fmt.Print(ev.Data["data"])
		case "stderr":
			fmt.Fprint(os.Stderr, ev.Data["data"])
		case "input_request":
			fmt.Print(ev.Data["prompt"])
		case "repl_ready":
			fmt.Print(ev.Data["prompt"])
		case "figure":
			name, err := saveFigure(ev.Data["image_png"])
			if err != nil {
				fmt.Fprintln(os.Stderr, "saving figure:", err)
			} else {
				fmt.Printf("[figure saved to %s]\n", name)
			}
		case "error":
			fmt.Fprintf(os.Stderr, "error (%v): %v\n", ev.Data["kind"], ev.Data["message"])
		case "complete":
			code := 0
			if v, ok := ev.Data["exit_code"].(float64); ok {
				code = int(v)
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		case "session_terminated":
			return fmt.Errorf("session terminated: %v", ev.Data["reason"])
		}
	}
}

func saveFigure(payload any) (string, error) {
	b64, _ := payload.(string)
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("figure-%d.png", time.Now().Unix())
	return name, os.WriteFile(name, raw, 0644)
}

func listTree(c *conn) error {
	id := c.send("list_tree", nil)
	ev, err := c.awaitReply(id)
	if err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(ev.Data["tree"], "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func catFile(c *conn, path string) error {
	id := c.send("read", map[string]any{"path": path})
	ev, err := c.awaitReply(id)
	if err != nil {
		return err
	}
	if ev.Data["encoding"] == "base64" {
		return fmt.Errorf("%s is binary (%v)", path, ev.Data["mime"])
	}
	fmt.Print(ev.Data["content"])
	return nil
}

func putFile(c *conn, path string) error {
	data, err := readStdin()
	if err != nil {
		return err
	}
	id := c.send("write", map[string]any{"path": path, "content": string(data)})
	if _, err := c.awaitReply(id); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "wrote", path)
	return nil
}

func readStdin() ([]byte, error) {
	var b strings.Builder
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return []byte(b.String()), scanner.Err()
}

// awaitReply reads until the event answering id arrives, surfacing error
// events as Go errors.
func (c *conn) awaitReply(id string) (event, error) {
	for {
		ev, err := c.read()
		if err != nil {
			return event{}, fmt.Errorf("connection lost: %w", err)
		}
		if ev.ID != id {
			continue
		}
		if ev.Type == "error" {
			return event{}, fmt.Errorf("%v: %v", ev.Data["kind"], ev.Data["message"])
		}
		return ev, nil
	}
}
