// Package apiclient talks to the Fossibot/Sydpower serverless cloud backend:
// HMAC-signed HTTPS RPC calls for login, MQTT credential issue, and device
// listing.
package apiclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"fossibot-bridge/pkg/bridgeerr"
	"fossibot-bridge/pkg/logger"
	"fossibot-bridge/pkg/recovery"
)

const (
	endpoint     = "https://api.next.bspapp.com/client"
	clientSecret = "5rCEdl/nx7IgViBe4QYRiQ=="
	spaceID      = "mp-6c382a98-49b8-40ba-b761-645d83e8ee74"

	maxRetries = 3
	retryDelay = 2 * time.Second
)

// MQTTInfo carries the MQTT session token plus any host/port hints the
// backend chose to include — both are optional, per spec.
type MQTTInfo struct {
	Token string
	Host  string
	Port  int
}

// Device is a single entry from the cloud device list, keyed by its
// colon-stripped MAC address elsewhere (see Client.GetDevices).
type Device struct {
	ID            string
	Name          string
	ModbusAddress *uint8
	ModbusCount   *uint16
	Raw           map[string]any
}

// Client is a Fossibot/Sydpower cloud API client. One Client corresponds to
// one authenticated session; construct a fresh one per connection attempt.
type Client struct {
	http        *http.Client
	authToken   string
	accessToken string
	deviceID    string
	breaker     *recovery.CircuitBreaker
}

// New builds a Client with a 15s-timeout HTTP client, matching the
// cloud backend's own documented request budget. A circuit breaker guards
// the RPC endpoint itself: after five failed calls in a row it fails fast
// for 30s instead of piling up retries against a backend that's down.
func New() *Client {
	return &Client{
		http:     &http.Client{Timeout: 15 * time.Second},
		deviceID: randomHex(32),
		breaker: recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
	}
}

// Close releases the underlying HTTP transport's idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func randomHex(n int) string {
	const hexDigits = "0123456789ABCDEF"
	b := make([]byte, n)
	for i := range b {
		b[i] = hexDigits[rand.Intn(len(hexDigits))]
	}
	return string(b)
}

func (c *Client) deviceInfo() map[string]any {
	return map[string]any{
		"PLATFORM":          "app",
		"OS":                "android",
		"APPID":             "__UNI__55F5E7F",
		"DEVICEID":          c.deviceID,
		"channel":           "google",
		"scene":             1001,
		"appId":             "__UNI__55F5E7F",
		"appLanguage":       "en",
		"appName":           "BrightEMS",
		"appVersion":        "1.2.3",
		"appVersionCode":    123,
		"appWgtVersion":     "1.2.3",
		"browserName":       "chrome",
		"browserVersion":    "130.0.6723.86",
		"deviceBrand":       "Samsung",
		"deviceId":          c.deviceID,
		"deviceModel":       "SM-A426B",
		"deviceType":        "phone",
		"osName":            "android",
		"osVersion":         10,
		"romName":           "Android",
		"romVersion":        10,
		"ua":                "Mozilla/5.0 (Linux; Android 10; SM-A426B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/87.0.4280.86 Mobile Safari/537.36",
		"uniPlatform":       "app",
		"uniRuntimeVersion": "4.24",
		"locale":            "en",
		"LOCALE":            "en",
	}
}

func (c *Client) buildFunctionParams(url string, data map[string]any, token string) (string, error) {
	args := map[string]any{
		"$url":       url,
		"data":       data,
		"clientInfo": c.deviceInfo(),
	}
	if token != "" {
		args["uniIdToken"] = token
	}
	body, err := json.Marshal(map[string]any{
		"functionTarget": "router",
		"functionArgs":   args,
	})
	return string(body), err
}

// sign computes the x-serverless-sign header value: HMAC-MD5, keyed with
// the fixed client secret, over the sorted "k=v&k=v" query string of every
// truthy field in data.
func sign(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := data[k]
		if isZeroish(v) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	queryStr := strings.Join(parts, "&")

	mac := hmac.New(md5.New, []byte(clientSecret))
	mac.Write([]byte(queryStr))
	return hex.EncodeToString(mac.Sum(nil))
}

func isZeroish(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case nil:
		return true
	default:
		return false
	}
}

func (c *Client) callAPI(ctx context.Context, method, params, token string) (map[string]any, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if c.breaker.IsOpen() {
			return nil, bridgeerr.Network("call_api", fmt.Errorf("circuit open, backend considered down: %w", lastErr))
		}

		var result map[string]any
		err := c.breaker.Call(func() error {
			var callErr error
			result, callErr = c.callAPIOnce(ctx, method, params, token)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, bridgeerr.Cancelled("call_api", ctx.Err())
		}
		if attempt == maxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, bridgeerr.Cancelled("call_api", ctx.Err())
		case <-time.After(retryDelay * time.Duration(attempt+1)):
		}
	}

	return nil, bridgeerr.Network("call_api", lastErr)
}

func (c *Client) callAPIOnce(ctx context.Context, method, params, token string) (map[string]any, error) {
	data := map[string]any{
		"method":    method,
		"params":    params,
		"spaceId":   spaceID,
		"timestamp": time.Now().UnixMilli(),
	}
	if token != "" {
		data["token"] = token
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-serverless-sign", sign(data))
	req.Header.Set("user-agent", c.deviceInfo()["ua"].(string))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	var respJSON map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&respJSON); err != nil {
		return nil, err
	}

	if respJSON["data"] == nil {
		return nil, fmt.Errorf("API request returned no data")
	}

	return respJSON, nil
}

// Authenticate obtains an anonymous auth token and then logs in with
// username/password, populating the access token used by every later call.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	authResp, err := c.callAPI(ctx, "serverless.auth.user.anonymousAuthorize", "{}", "")
	if err != nil {
		return bridgeerr.Auth("authenticate", err)
	}

	authData, _ := authResp["data"].(map[string]any)
	authToken, _ := authData["accessToken"].(string)
	if authToken == "" {
		return bridgeerr.Auth("authenticate", fmt.Errorf("no accessToken in anonymous-auth response"))
	}
	c.authToken = authToken

	loginParams, err := c.buildFunctionParams("user/pub/login", map[string]any{
		"locale":   "en",
		"username": username,
		"password": password,
	}, "")
	if err != nil {
		return bridgeerr.Auth("authenticate", err)
	}

	loginResp, err := c.callAPI(ctx, "serverless.function.runtime.invoke", loginParams, c.authToken)
	if err != nil {
		return bridgeerr.Auth("authenticate", err)
	}

	loginData, _ := loginResp["data"].(map[string]any)
	accessToken, _ := loginData["token"].(string)
	if accessToken == "" {
		return bridgeerr.Auth("authenticate", fmt.Errorf("login failed - no token in response"))
	}
	c.accessToken = accessToken

	logger.LogInfo("Authenticated with Fossibot cloud API")
	return nil
}

// GetMQTTInfo retrieves the short-lived MQTT session token, plus any
// host/port the backend chose to hint.
func (c *Client) GetMQTTInfo(ctx context.Context) (MQTTInfo, error) {
	if c.authToken == "" || c.accessToken == "" {
		return MQTTInfo{}, bridgeerr.Auth("get_mqtt_info", fmt.Errorf("must authenticate first"))
	}

	params, err := c.buildFunctionParams("common/emqx.getAccessToken", map[string]any{"locale": "en"}, c.accessToken)
	if err != nil {
		return MQTTInfo{}, bridgeerr.Network("get_mqtt_info", err)
	}

	resp, err := c.callAPI(ctx, "serverless.function.runtime.invoke", params, c.authToken)
	if err != nil {
		return MQTTInfo{}, bridgeerr.Network("get_mqtt_info", err)
	}

	data, _ := resp["data"].(map[string]any)
	token, _ := data["access_token"].(string)
	if token == "" {
		return MQTTInfo{}, bridgeerr.Auth("get_mqtt_info", fmt.Errorf("no access_token in response"))
	}

	info := MQTTInfo{Token: token}
	info.Host = firstString(data, "mqtt_host", "host", "mqttHost", "server", "endpoint", "broker", "url", "addr")
	if portStr := firstString(data, "mqtt_port", "port", "mqttPort"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			info.Port = port
		}
	}

	return info, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := data[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// GetDevices returns every device the account owns, keyed by its
// colon-stripped MAC. Entries missing a device_id are logged and skipped
// rather than failing the whole call.
func (c *Client) GetDevices(ctx context.Context) (map[string]Device, error) {
	if c.authToken == "" || c.accessToken == "" {
		return nil, bridgeerr.Auth("get_devices", fmt.Errorf("must authenticate first"))
	}

	params, err := c.buildFunctionParams("client/device/kh/getList", map[string]any{
		"locale":    "en",
		"pageIndex": 1,
		"pageSize":  100,
	}, c.accessToken)
	if err != nil {
		return nil, bridgeerr.Network("get_devices", err)
	}

	resp, err := c.callAPI(ctx, "serverless.function.runtime.invoke", params, c.authToken)
	if err != nil {
		return nil, bridgeerr.Network("get_devices", err)
	}

	data, _ := resp["data"].(map[string]any)
	rowsRaw, _ := data["rows"].([]any)

	devices := make(map[string]Device, len(rowsRaw))
	for _, rowRaw := range rowsRaw {
		row, ok := rowRaw.(map[string]any)
		if !ok {
			continue
		}

		rawID, _ := row["device_id"].(string)
		id := strings.ReplaceAll(rawID, ":", "")
		if id == "" {
			name, _ := row["device_name"].(string)
			if name == "" {
				name = "<unknown>"
			}
			logger.LogWarn("Device '%s' has no device_id in API response — skipping", name)
			continue
		}

		dev := Device{ID: id, Raw: row}
		if name, ok := row["device_name"].(string); ok {
			dev.Name = name
		}
		if productInfo, ok := row["productInfo"].(map[string]any); ok {
			if addr, ok := productInfo["modbus_address"].(float64); ok {
				v := uint8(addr)
				dev.ModbusAddress = &v
			}
			if count, ok := productInfo["modbus_count"].(float64); ok {
				v := uint16(count)
				dev.ModbusCount = &v
			}
		}

		devices[id] = dev
	}

	logger.LogInfo("Found %d devices", len(devices))
	return devices, nil
}
