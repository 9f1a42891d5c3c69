package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// PaperBaseURL 只允许模拟盘
const PaperBaseURL = "https://paper-api.alpaca.markets"

// ErrLiveEndpoint 配置了实盘地址
var ErrLiveEndpoint = errors.New("only Alpaca PAPER trading is supported")

// Credentials 券商密钥，只从环境变量 (或 .env) 读取，不写入配置文件
type Credentials struct {
	APIKey    string `envconfig:"APCA_API_KEY_ID" required:"true"`
	APISecret string `envconfig:"APCA_API_SECRET_KEY" required:"true"`
	BaseURL   string `envconfig:"APCA_API_BASE_URL" default:"https://paper-api.alpaca.markets"`
}

// LoadCredentials 读取 .env (不存在则忽略) 后从环境变量映射密钥
func LoadCredentials() (*Credentials, error) {
	_ = godotenv.Load()

	var c Credentials
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("alpaca paper credentials are required (APCA_API_KEY_ID, APCA_API_SECRET_KEY): %w", err)
	}
	c.BaseURL = NormalizeBaseURL(c.BaseURL)
	if !strings.Contains(c.BaseURL, "paper-api") {
		return nil, fmt.Errorf("%w: got %s, use %s", ErrLiveEndpoint, c.BaseURL, PaperBaseURL)
	}
	return &c, nil
}

// NormalizeBaseURL 去掉结尾的 "/" 与 "/v2"，避免拼出 /v2/v2
func NormalizeBaseURL(u string) string {
	u = strings.TrimSuffix(u, "/")
	return strings.TrimSuffix(u, "/v2")
}
