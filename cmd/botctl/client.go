package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"botvisor/internal/handlers"
	"botvisor/internal/models"
)

// apiError is the control surface's error body.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

type Client struct {
	client *resty.Client
}

func NewClient(host string, timeout time.Duration) *Client {
	host = strings.TrimSuffix(host, "/")
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// Only reads are retried; lifecycle calls are not idempotent.
			if resp == nil || resp.Request == nil || resp.Request.Method != resty.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= 500
		})
	return &Client{client: client}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.client.R().SetContext(ctx).SetError(&handlers.ErrorResponse{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &apiError{Status: resp.StatusCode()}
		if e, ok := resp.Error().(*handlers.ErrorResponse); ok && e != nil {
			apiErr.Code = e.Error
			apiErr.Message = e.Message
		}
		return apiErr
	}
	return nil
}

func botPath(id int64, suffix string) string {
	return "/api/bots/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) ListBots(ctx context.Context) ([]handlers.BotView, error) {
	var bots []handlers.BotView
	err := c.do(ctx, resty.MethodGet, "/api/bots", nil, &bots)
	return bots, err
}

func (c *Client) GetBot(ctx context.Context, id int64) (*handlers.BotView, error) {
	var bot handlers.BotView
	if err := c.do(ctx, resty.MethodGet, botPath(id, ""), nil, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

func (c *Client) CreateBot(ctx context.Context, req handlers.CreateBotRequest) (*handlers.BotView, error) {
	var bot handlers.BotView
	if err := c.do(ctx, resty.MethodPost, "/api/bots", req, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

func (c *Client) UpdateBot(ctx context.Context, id int64, req handlers.UpdateBotRequest) (*handlers.BotView, error) {
	var bot handlers.BotView
	if err := c.do(ctx, resty.MethodPut, botPath(id, ""), req, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

func (c *Client) DeleteBot(ctx context.Context, id int64) error {
	return c.do(ctx, resty.MethodDelete, botPath(id, ""), nil, nil)
}

// Lifecycle posts start, stop or restart for bot id.
func (c *Client) Lifecycle(ctx context.Context, id int64, action string) (*handlers.SuccessResponse, error) {
	switch action {
	case "start", "stop", "restart":
	default:
		return nil, errors.New("unknown action " + action)
	}
	var res handlers.SuccessResponse
	if err := c.do(ctx, resty.MethodPost, botPath(id, "/"+action), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Status(ctx context.Context, id int64) (*models.Status, error) {
	var st models.Status
	if err := c.do(ctx, resty.MethodGet, botPath(id, "/status"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Logs(ctx context.Context, id int64, limit int) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	path := botPath(id, "/logs") + "?limit=" + strconv.Itoa(limit)
	err := c.do(ctx, resty.MethodGet, path, nil, &entries)
	return entries, err
}

func (c *Client) Running(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := c.do(ctx, resty.MethodGet, "/api/running", nil, &ids)
	return ids, err
}

func (c *Client) Activities(ctx context.Context, id int64, limit int) ([]models.Activity, error) {
	var acts []models.Activity
	path := "/api/activities?limit=" + strconv.Itoa(limit)
	if id > 0 {
		path += "&bot_id=" + strconv.FormatInt(id, 10)
	}
	err := c.do(ctx, resty.MethodGet, path, nil, &acts)
	return acts, err
}

func (c *Client) Stats(ctx context.Context) (*handlers.StatsResponse, error) {
	var stats handlers.StatsResponse
	if err := c.do(ctx, resty.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
