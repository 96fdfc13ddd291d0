// internal/rpc/client.go
package rpc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/colebrumley/pmaticmgr/internal/dispatch"
	"github.com/colebrumley/pmaticmgr/internal/state"
)

// Client calls a daemon's /rpc endpoint. It implements Controller.
type Client struct {
	cli *jrpc2.Client
}

type bearerClient struct {
	token string
	base  *http.Client
}

func (b bearerClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.Do(req)
}

// Dial returns a client for the endpoint at url. No connection is made
// until the first call.
func Dial(url, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ch := jhttp.NewChannel(url, &jhttp.ChannelOptions{
		Client: bearerClient{token: secret, base: &http.Client{Timeout: timeout}},
	})
	return &Client{cli: jrpc2.NewClient(ch, nil)}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Code returns the JSON-RPC error code carried by err, or 0.
func Code(err error) jrpc2.Code {
	var rerr *jrpc2.Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return 0
}

func (c *Client) Status(ctx context.Context) (*SystemStatus, error) {
	var out SystemStatus
	if err := c.cli.CallResult(ctx, MethodStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSchedules(ctx context.Context) ([]dispatch.ScheduleStatus, error) {
	var out SchedulesResult
	if err := c.cli.CallResult(ctx, MethodList, nil, &out); err != nil {
		return nil, err
	}
	return out.Schedules, nil
}

func (c *Client) GetSchedule(ctx context.Context, id string) (*dispatch.ScheduleStatus, error) {
	var out dispatch.ScheduleStatus
	if err := c.cli.CallResult(ctx, MethodGet, IDParams{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) error {
	method := MethodDisable
	if enabled {
		method = MethodEnable
	}
	var out EmptyResult
	return c.cli.CallResult(ctx, method, IDParams{ID: id}, &out)
}

func (c *Client) RunNow(ctx context.Context, id, token string) (*dispatch.RunResult, error) {
	var out dispatch.RunResult
	if err := c.cli.CallResult(ctx, MethodRun, RunParams{ID: id, Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Abort(ctx context.Context, id string) (int, error) {
	var out AbortResult
	if err := c.cli.CallResult(ctx, MethodAbort, IDParams{ID: id}, &out); err != nil {
		return 0, err
	}
	return out.Signalled, nil
}

func (c *Client) Output(ctx context.Context, id string, offset int) (*dispatch.OutputChunk, error) {
	var out dispatch.OutputChunk
	if err := c.cli.CallResult(ctx, MethodOutput, OutputParams{ID: id, Offset: offset}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reload(ctx context.Context) (*ReloadResult, error) {
	var out ReloadResult
	if err := c.cli.CallResult(ctx, MethodReload, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) History(ctx context.Context, p HistoryParams) ([]state.RunRecord, error) {
	var out HistoryResult
	if err := c.cli.CallResult(ctx, MethodHistory, p, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) RecentEvents(ctx context.Context, limit int) (*EventsResult, error) {
	var out EventsResult
	if err := c.cli.CallResult(ctx, MethodEvents, LimitParams{Limit: limit}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Scripts(ctx context.Context) ([]string, error) {
	var out ScriptsResult
	if err := c.cli.CallResult(ctx, MethodScripts, nil, &out); err != nil {
		return nil, err
	}
	return out.Scripts, nil
}
