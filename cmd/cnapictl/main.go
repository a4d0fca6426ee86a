package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/logging"
	natsclient "github.com/devghori1264/aerophoenix/cnapi/internal/nats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cnapiURL = envOr("CNAPI_URL", "http://localhost:8080")
	natsURL  = envOr("CNAPI_NATS_URL", "nats://localhost:4222")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "cnapictl",
		Short:         "Talk to a cnapi instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cnapiURL, "url", cnapiURL, "cnapi base URL")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", natsURL, "NATS URL for emitted events")

	rootCmd.AddCommand(pingCmd(), serversCmd(), setupCmd(), rebootCmd(), bootCmd(), jobCmd(), emitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that cnapi answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), http.MethodGet, "/ping", nil)
		},
	}
}

func serversCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "servers", Short: "Inspect server records"}

	var (
		setup string
		uuids string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if setup != "" {
				q.Set("setup", setup)
			}
			if uuids != "" {
				q.Set("uuids", uuids)
			}
			path := "/servers"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return call(cmd.Context(), http.MethodGet, path, nil)
		},
	}
	list.Flags().StringVar(&setup, "setup", "", "filter on the setup flag (true|false)")
	list.Flags().StringVar(&uuids, "uuids", "", "comma separated server uuids")

	get := &cobra.Command{
		Use:   "get UUID",
		Short: "Show one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodGet, "/servers/"+args[0], nil)
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func setupCmd() *cobra.Command {
	var origin string
	cmd := &cobra.Command{
		Use:   "setup UUID",
		Short: "Start the setup workflow on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodPut, "/servers/"+args[0]+"/setup", map[string]string{"origin": origin})
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "cnapictl", "origin recorded on the job")
	return cmd
}

func rebootCmd() *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "reboot UUID",
		Short: "Reboot a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodPost, "/servers/"+args[0]+"/reboot",
				map[string]any{"origin": "cnapictl", "drain": drain})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "drain the server before rebooting")
	return cmd
}

func bootCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "boot", Short: "Boot parameters"}
	cmd.AddCommand(&cobra.Command{
		Use:   "get UUID",
		Short: "Show the boot parameters a server will boot with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodGet, "/boot/"+args[0], nil)
		},
	})
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job UUID",
		Short: "Show a workflow job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodGet, "/jobs/"+args[0], nil)
		},
	}
}

// emitCmd publishes fake node events, for exercising a cnapi without real
// compute nodes.
func emitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "emit", Short: "Publish node events on NATS"}

	var avail, arc, total uint64
	heartbeat := &cobra.Command{
		Use:   "heartbeat UUID",
		Short: "Publish a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := map[string]any{
				"meminfo": map[string]uint64{
					"availrmem_bytes": avail,
					"arcsize_bytes":   arc,
					"total_bytes":     total,
				},
				"zoneStatus": map[string]string{"global": "running"},
			}
			return publish(cmd.Context(), natsclient.HeartbeatSubject(args[0]), ev)
		},
	}
	heartbeat.Flags().Uint64Var(&avail, "available", 4<<30, "available memory in bytes")
	heartbeat.Flags().Uint64Var(&arc, "arc", 1<<30, "ARC size in bytes")
	heartbeat.Flags().Uint64Var(&total, "total", 8<<30, "total memory in bytes")

	var (
		hostname string
		mib      int
		isSetup  bool
	)
	startup := &cobra.Command{
		Use:   "startup UUID",
		Short: "Publish a startup announcement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			si := map[string]any{
				"UUID":          args[0],
				"Hostname":      hostname,
				"Setup":         strconv.FormatBool(isSetup),
				"MiB of Memory": strconv.Itoa(mib),
				"Boot Time":     strconv.FormatInt(time.Now().Unix(), 10),
				"Live Image":    "20240501T000000Z",
			}
			return publish(cmd.Context(), natsclient.StartupSubject(args[0]), si)
		},
	}
	startup.Flags().StringVar(&hostname, "hostname", "cn1", "reported hostname")
	startup.Flags().IntVar(&mib, "memory-mib", 8192, "reported memory in MiB")
	startup.Flags().BoolVar(&isSetup, "setup", false, "report the node as set up")

	cmd.AddCommand(heartbeat, startup)
	return cmd
}

func publish(ctx context.Context, subject string, v any) error {
	log, err := logging.New("info", true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	nc, err := natsclient.Connect(natsURL, "cnapictl", log)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	p := natsclient.NewPublisher(nc)
	defer p.Close()

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, subject, payload); err != nil {
		return err
	}
	log.Info("published", zap.String("subject", subject), zap.Int("bytes", len(payload)))
	return nil
}

func call(ctx context.Context, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, cnapiURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if len(data) == 0 {
		fmt.Println(resp.Status)
		return nil
	}
	var out bytes.Buffer
	if json.Indent(&out, data, "", "  ") != nil {
		out.Reset()
		out.Write(data)
	}
	fmt.Println(out.String())
	return nil
}
