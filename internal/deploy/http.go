package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// HTTPConfig 描述远端计算平台。
type HTTPConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// HTTPFabric 通过 JSON over HTTP 调用外部计算平台。
//
//	POST   /v1/deployments              -> {"handle_id": "..."}
//	POST   /v1/deployments/{id}/execute -> Outcome
//	DELETE /v1/deployments/{id}
//
// Timeout 只约束部署与释放请求，execute 的时限由调用方的 ctx 决定。
type HTTPFabric struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	timeout    time.Duration
}

// NewHTTPFabric 创建 HTTP 平台客户端。
func NewHTTPFabric(cfg HTTPConfig, httpClient *http.Client) (*HTTPFabric, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "部署平台 endpoint 不能为空")
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "部署平台 endpoint 非法")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPFabric{baseURL: parsed, httpClient: httpClient, token: cfg.Token, timeout: timeout}, nil
}

type deployResponse struct {
	HandleID string `json:"handle_id"`
}

// Deploy 实现 Fabric。
func (f *HTTPFabric) Deploy(ctx context.Context, desc Descriptor) (Handle, error) {
	var resp deployResponse
	if err := f.control(ctx, http.MethodPost, "/v1/deployments", desc, &resp); err != nil {
		return nil, err
	}
	if resp.HandleID == "" {
		return nil, xerrors.New(CodeDeploymentFailure, "部署平台未返回 handle_id")
	}
	return &httpHandle{id: resp.HandleID, fabric: f}, nil
}

type httpHandle struct {
	id     string
	fabric *HTTPFabric
}

func (h *httpHandle) ID() string { return h.id }

func (h *httpHandle) Execute(ctx context.Context, task agent.Task) (Outcome, error) {
	var out Outcome
	endpoint := fmt.Sprintf("/v1/deployments/%s/execute", url.PathEscape(h.id))
	if err := h.fabric.call(ctx, http.MethodPost, endpoint, task, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (h *httpHandle) Release(ctx context.Context) error {
	return h.fabric.control(ctx, http.MethodDelete, "/v1/deployments/"+url.PathEscape(h.id), nil, nil)
}

// control 以 f.timeout 限制部署与释放请求，超时视为可重试的部署失败。
func (f *HTTPFabric) control(ctx context.Context, method, endpoint string, payload, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	err := f.call(callCtx, method, endpoint, payload, out)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return xerrors.Wrap(CodeDeploymentFailure, err, fmt.Sprintf("部署平台请求超过 %s", f.timeout),
			xerrors.WithRetryable(true))
	}
	return err
}

func (f *HTTPFabric) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求失败")
		}
		body = bytes.NewReader(encoded)
	}
	rel := &url.URL{Path: path.Join(f.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建请求失败")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return xerrors.Wrap(CodeDeploymentFailure, err, "请求部署平台失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return xerrors.New(CodeDeploymentFailure, fmt.Sprintf("部署平台返回 %d: %s", resp.StatusCode, msg),
			xerrors.WithRetryable(retry),
			xerrors.WithMetadata("status", fmt.Sprintf("%d", resp.StatusCode)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(CodeDeploymentFailure, err, "解析部署平台响应失败")
	}
	return nil
}
