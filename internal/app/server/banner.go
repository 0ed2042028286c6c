package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	corelog "signage-core/internal/core/log"
	"signage-core/internal/version"
)

const (
	bannerWidth = 60
)

var (
	bannerCyan    = color.New(color.FgCyan).SprintFunc()
	bannerBlue    = color.New(color.FgBlue).SprintFunc()
	bannerMagenta = color.New(color.FgMagenta).SprintFunc()
	bannerBold    = color.New(color.Bold).SprintFunc()
	bannerGreen   = color.New(color.FgGreen).SprintFunc()
	bannerFaint   = color.New(color.Faint).SprintFunc()
)

type bannerRow struct {
	label string
	value string
}

// DisplayStartupBanner 显示启动信息横幅
func (s *Server) DisplayStartupBanner(configPath string) {
	reset := color.New(color.Reset).SprintFunc()

	displayLogo(reset)
	displayRows("Server Information", serverInfoRows(s, configPath))
	displayRows("Pairing", pairingRows(s.config))
	displayEndpoints(s)
	displayFooter(reset)
}

// displayLogo 显示 Logo
func displayLogo(reset func(...interface{}) string) {
	fmt.Println()
	fmt.Printf("  %s ___ ___ ___ _  _   _   ___ ___%s\n", bannerCyan(""), reset(""))
	fmt.Printf("  %s/ __|_ _/ __| \\| | /_\\ / __| __|%s    %s%sSignage Pairing Server%s\n",
		bannerCyan(""), reset(""), bannerFaint(""), bannerBold(""), reset(""))
	fmt.Printf("  %s\\__ \\| | (_ | .` |/ _ \\ (_ | _|%s\n", bannerBlue(""), reset(""))
	fmt.Printf("  %s|___/___\\___|_|\\_/_/ \\_\\___|___|%s    %sVersion %s%s\n",
		bannerMagenta(""), reset(""), bannerFaint(""), version.GetShortVersion(), reset(""))
	fmt.Println()
}

func serverInfoRows(s *Server, configPath string) []bannerRow {
	cfg := s.config
	return []bannerRow{
		{"Node ID", cfg.Server.NodeID},
		{"Config File", configPath},
		{"Start Time", time.Now().Format("2006-01-02 15:04:05")},
		{"Storage", describeStorage(&cfg.Storage)},
		{"Message Broker", describeBroker(cfg)},
		{"Metrics", cfg.Metrics.Type},
		{"Log", describeLog(&cfg.Log)},
	}
}

func pairingRows(cfg *Config) []bannerRow {
	geo := bannerFaint("✗ Disabled")
	if cfg.Admission.Geo.Enabled {
		geo = bannerGreen("✓ " + strings.Join(cfg.Admission.Geo.AllowedCountries, ","))
	}
	return []bannerRow{
		{"Code Length", fmt.Sprintf("%d", cfg.Pairing.Store.CodeLength)},
		{"Code TTL", cfg.Pairing.Store.CodeTTL.String()},
		{"Pairing URL", cfg.Pairing.Engine.PairingURL},
		{"Conn/IP", fmt.Sprintf("%d", cfg.Admission.MaxConnectionsPerIP)},
		{"Events/min", fmt.Sprintf("%d", cfg.Admission.MaxEventsPerMinute)},
		{"Geo Policy", geo},
	}
}

func displayRows(title string, rows []bannerRow) {
	fmt.Println(bannerBold("  " + title))
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))
	for _, row := range rows {
		fmt.Printf("  %-18s %s\n", bannerBold(row.label+":"), row.value)
	}
	fmt.Println()
}

// displayEndpoints 显示 HTTP 入口
func displayEndpoints(s *Server) {
	fmt.Println(bannerBold("  HTTP Service"))
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))

	addr := s.Addr()
	wsPath := s.config.Realtime.Path
	if s.deps.Hub != nil {
		wsPath = s.deps.Hub.Path()
	}
	authType := s.config.HTTP.Modules.PairingAPI.AdminAuth.Type
	if authType == "" {
		authType = "none"
	}

	fmt.Printf("  %-18s %s\n", bannerBold("Address:"), "http://"+addr)
	fmt.Printf("  %-18s %s\n", bannerBold("Admin Auth:"), authType)
	fmt.Println()

	fmt.Printf("  %s\n", bannerBold("Endpoints:"))
	fmt.Printf("    • %s %s\n", "Realtime", bannerFaint("(ws://"+addr+wsPath+")"))
	if s.config.HTTP.Modules.PairingAPI.Enabled {
		fmt.Printf("    • %s %s\n", "Pairing API", bannerFaint("(/pairing/request, /pairing/status/{code}, /pairing/complete)"))
	}
	fmt.Printf("    • %s %s\n", "Health", bannerFaint("(/health, /healthz, /ready)"))
	if s.config.Metrics.Type == MetricsTypePrometheus {
		fmt.Printf("    • %s %s\n", "Metrics", bannerFaint("(/metrics)"))
	}
	fmt.Println()
}

// displayFooter 显示页脚
func displayFooter(reset func(...interface{}) string) {
	fmt.Println(bannerFaint("  " + strings.Repeat("━", bannerWidth)))
	fmt.Println()
	fmt.Printf("  %sServer is starting...%s\n", bannerFaint(""), reset(""))
}

func describeBroker(cfg *Config) string {
	mb := cfg.MessageBroker
	if mb.Type != "redis" {
		return "Memory (single node)"
	}
	if mb.Redis != nil && len(mb.Redis.Addrs) > 0 {
		return fmt.Sprintf("Redis (%s)", strings.Join(mb.Redis.Addrs, ","))
	}
	return "Redis (shared with storage)"
}

func describeLog(cfg *corelog.Config) string {
	if cfg.Output != corelog.OutputFile || cfg.File == "" {
		return fmt.Sprintf("%s, level=%s", cfg.Output, cfg.Level)
	}
	path, err := filepath.Abs(cfg.File)
	if err != nil {
		path = cfg.File
	}
	return fmt.Sprintf("%s, level=%s", path, cfg.Level)
}
