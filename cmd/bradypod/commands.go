package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"bradypod/internal/export"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"

	"github.com/spf13/cobra"
)

var (
	loadTarget  string
	loadTimeout time.Duration
	outputPath  string
	outputFmt   string
	fetchMethod string
	fetchBody   string
)

// loadCmd 通过浏览器加载页面
var loadCmd = &cobra.Command{
	Use:   "load [url]",
	Short: "Load a page in the browser and export its request trace",
	Long: `Attach to a Chrome page target, intercept every request it makes and
export {url, data, cookiejar, page_content} once the page has settled.

The url argument overrides the url from the config file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLoad,
}

// fetchCmd 不经过浏览器直接请求
var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Send a single request through the network engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

// targetsCmd 列出浏览器页面
var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List page targets of the browser",
	RunE:  runTargets,
}

func init() {
	for _, c := range []*cobra.Command{loadCmd, fetchCmd} {
		c.Flags().StringVarP(&outputPath, "output", "o", "", "output file, - for stdout (default from config)")
		c.Flags().StringVar(&outputFmt, "format", "", "output format: json|pretty (default from config)")
	}
	loadCmd.Flags().StringVarP(&loadTarget, "target", "t", "", "page target id (default: first page)")
	loadCmd.Flags().DurationVar(&loadTimeout, "timeout", 2*time.Minute, "overall page load timeout")
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", http.MethodGet, "request method")
	fetchCmd.Flags().StringVarP(&fetchBody, "data", "d", "", "request body")
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, svc, err := setup()
	if err != nil {
		return err
	}
	defer svc.Close()

	url := cfg.URL
	if len(args) == 1 {
		url = args[0]
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), loadTimeout)
	defer cancel()

	res, err := svc.LoadPage(ctx, url, model.TargetID(loadTarget))
	if err != nil {
		return err
	}
	return writeResult(cmd, res, cfg.Output.File, cfg.Output.Format)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, svc, err := setup()
	if err != nil {
		return err
	}
	defer svc.Close()

	id, err := svc.StartSession()
	if err != nil {
		return err
	}
	req := traffic.NewRequest(fetchMethod, args[0])
	req.ResourceType = "Document"
	if fetchBody != "" {
		req.Body = []byte(fetchBody)
	}
	resp, _, err := svc.Fetch(cmd.Context(), id, req)
	if err != nil {
		return err
	}
	trace, err := svc.Trace(id)
	if err != nil {
		return err
	}
	res := &model.PageResult{Session: id, URL: args[0], Trace: trace, Cookies: svc.Cookies()}
	if resp != nil {
		res.PageContent = string(resp.Body)
	}
	return writeResult(cmd, res, cfg.Output.File, cfg.Output.Format)
}

func runTargets(cmd *cobra.Command, _ []string) error {
	_, svc, err := setup()
	if err != nil {
		return err
	}
	defer svc.Close()

	targets, err := svc.ListTargets(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tURL")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
	return w.Flush()
}

func writeResult(cmd *cobra.Command, res *model.PageResult, path, format string) error {
	if outputPath != "" {
		path = outputPath
	}
	if outputFmt != "" {
		format = strings.ToLower(outputFmt)
	}
	if err := export.Write(res, path, format, cmd.OutOrStdout()); err != nil {
		return err
	}
	if path != "" && path != "-" {
		fmt.Fprintf(os.Stderr, "wrote %d records to %s\n", len(res.Trace), path)
	}
	return nil
}
