package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-rtc/internal/config"
)

// EndpointProvider 多地域故障转移的端点选择器
// 引擎在完整重建失败时向其索取下一个候选地址
type EndpointProvider interface {
	// Next 返回下一个候选端点, 耗尽时返回 false
	Next() (string, bool)

	// Reset 连接成功后重置候选游标
	Reset()
}

// StaticEndpointProvider 固定候选列表, 按顺序各尝试一次
type StaticEndpointProvider struct {
	mutex     sync.Mutex
	endpoints []string
	cursor    int
}

// NewStaticEndpointProvider 创建固定端点提供者, 不含首选地址本身
func NewStaticEndpointProvider(endpoints ...string) *StaticEndpointProvider {
	return &StaticEndpointProvider{endpoints: endpoints}
}

// Next 实现 EndpointProvider
func (p *StaticEndpointProvider) Next() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.cursor >= len(p.endpoints) {
		return "", false
	}
	next := p.endpoints[p.cursor]
	p.cursor++
	return next, true
}

// Reset 实现 EndpointProvider
func (p *StaticEndpointProvider) Reset() {
	p.mutex.Lock()
	p.cursor = 0
	p.mutex.Unlock()
}

// regionInfo 地域发现端点返回的单个候选
type regionInfo struct {
	Region   string  `json:"region"`
	URL      string  `json:"url"`
	Distance float64 `json:"distance"`
}

type regionSettings struct {
	Regions []regionInfo `json:"regions"`
}

// RegionEndpointProvider 从服务器的地域发现端点获取候选列表
// 首次取用时查询 <base>/settings/regions, 按距离升序返回
type RegionEndpointProvider struct {
	logger     *logrus.Entry
	serverURL  string
	token      string
	httpClient *http.Client

	mutex     sync.Mutex
	endpoints []string
	cursor    int
	fetched   bool
}

// NewRegionEndpointProvider 创建地域端点提供者
func NewRegionEndpointProvider(serverURL, token string) *RegionEndpointProvider {
	return &RegionEndpointProvider{
		logger:     config.GetLoggerWithPrefix("region-provider"),
		serverURL:  serverURL,
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Next 实现 EndpointProvider
func (p *RegionEndpointProvider) Next() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.fetched {
		p.fetched = true
		endpoints, err := p.fetchRegions()
		if err != nil {
			p.logger.Warnf("failed to fetch region candidates: %v", err)
		}
		p.endpoints = endpoints
	}

	for p.cursor < len(p.endpoints) {
		next := p.endpoints[p.cursor]
		p.cursor++
		// 首选地址已经由引擎直接尝试过
		if next != p.serverURL {
			return next, true
		}
	}
	return "", false
}

// Reset 实现 EndpointProvider, 同时允许下一轮重新拉取地域列表
func (p *RegionEndpointProvider) Reset() {
	p.mutex.Lock()
	p.cursor = 0
	p.fetched = false
	p.mutex.Unlock()
}

func (p *RegionEndpointProvider) fetchRegions() ([]string, error) {
	settingsURL, err := regionSettingsURL(p.serverURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, settingsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("region discovery returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var settings regionSettings
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, fmt.Errorf("malformed region settings: %w", err)
	}

	sort.Slice(settings.Regions, func(i, j int) bool {
		return settings.Regions[i].Distance < settings.Regions[j].Distance
	})

	endpoints := make([]string, 0, len(settings.Regions))
	for _, region := range settings.Regions {
		if region.URL != "" {
			endpoints = append(endpoints, region.URL)
		}
	}

	p.logger.Infof("region discovery returned %d candidate endpoints", len(endpoints))
	return endpoints, nil
}

// regionSettingsURL 构造地域发现地址: <base>/settings/regions, ws(s) 转 http(s)
func regionSettingsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid server url scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/settings/regions"
	u.RawQuery = ""
	return u.String(), nil
}
