package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// 创建临时配置文件
	configContent := `
server:
  host: "127.0.0.1"
  tcp_port: 19998
  udp_port: 19999

room:
  migration_timeout: "20s"

security:
  enable_encryption: false
  max_connections_per_ip: 3
  max_packets_per_second: 500
  ban_duration: "10m"

lobby:
  enabled: true
  url: "http://lobby.example.com/rooms/closed"
`

	// 写入临时文件
	tmpFile, err := os.CreateTemp("", "config_test_*.yml")
	if err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("写入临时文件失败: %v", err)
	}
	tmpFile.Close()

	// 加载配置
	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	// 验证配置
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("期望 host 为 '127.0.0.1'，实际为 '%s'", cfg.Server.Host)
	}

	if cfg.Server.TCPPort != 19998 {
		t.Errorf("期望 tcp_port 为 19998，实际为 %d", cfg.Server.TCPPort)
	}

	if cfg.Room.MigrationTimeout != 20*time.Second {
		t.Errorf("期望 migration_timeout 为 20s，实际为 %v", cfg.Room.MigrationTimeout)
	}

	if cfg.Security.EnableEncryption {
		t.Errorf("期望 enable_encryption 为 false")
	}

	// 未写入文件的开关保持默认开启
	if !cfg.Security.EnableRateLimiting || !cfg.Security.EnableAuthentication {
		t.Errorf("期望未配置的安全开关保持默认开启")
	}

	if cfg.Security.MaxConnectionsPerIP != 3 {
		t.Errorf("期望 max_connections_per_ip 为 3，实际为 %d", cfg.Security.MaxConnectionsPerIP)
	}

	if cfg.Security.BanDuration != 10*time.Minute {
		t.Errorf("期望 ban_duration 为 10m，实际为 %v", cfg.Security.BanDuration)
	}

	if cfg.Security.MaxPacketSize != 65536 {
		t.Errorf("期望默认 max_packet_size 为 65536，实际为 %d", cfg.Security.MaxPacketSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("配置文件不存在时应使用默认值: %v", err)
	}

	if cfg.Server.TCPPort != 9998 || cfg.Server.UDPPort != 9999 {
		t.Errorf("期望默认端口 9998/9999，实际为 %d/%d", cfg.Server.TCPPort, cfg.Server.UDPPort)
	}

	if !cfg.Security.EnableEncryption {
		t.Errorf("期望默认开启加密")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NODETUNNEL_TCP_PORT", "7000")
	t.Setenv("NODETUNNEL_MAX_PACKETS_PER_SECOND", "42")
	t.Setenv("NODETUNNEL_BAN_DURATION", "90s")
	t.Setenv("NODETUNNEL_ENABLE_ENCRYPTION", "false")
	t.Setenv("NODETUNNEL_MASTER_KEY", "a2V5")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.TCPPort != 7000 {
		t.Errorf("期望 tcp_port 为 7000，实际为 %d", cfg.Server.TCPPort)
	}
	if cfg.Security.MaxPacketsPerSecond != 42 {
		t.Errorf("期望 max_packets_per_second 为 42，实际为 %d", cfg.Security.MaxPacketsPerSecond)
	}
	if cfg.Security.BanDuration != 90*time.Second {
		t.Errorf("期望 ban_duration 为 90s，实际为 %v", cfg.Security.BanDuration)
	}
	if cfg.Security.EnableEncryption {
		t.Errorf("期望环境变量关闭加密")
	}
	if cfg.Security.MasterKey != "a2V5" {
		t.Errorf("期望 master_key 来自环境变量，实际为 '%s'", cfg.Security.MasterKey)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("NODETUNNEL_UDP_PORT", "not-a-port")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Errorf("期望无效的环境变量导致加载失败")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Default() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "有效配置",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "无效 TCP 端口",
			mutate:  func(c *Config) { c.Server.TCPPort = 70000 },
			wantErr: true,
		},
		{
			name:    "最大包过小",
			mutate:  func(c *Config) { c.Security.MaxPacketSize = 3 },
			wantErr: true,
		},
		{
			name:    "UDP 缓冲区小于最大包",
			mutate:  func(c *Config) { c.Server.UDPBufferSize = 1024 },
			wantErr: true,
		},
		{
			name:    "迁移超时为负",
			mutate:  func(c *Config) { c.Room.MigrationTimeout = -time.Second },
			wantErr: true,
		},
		{
			name: "大厅通知缺少地址",
			mutate: func(c *Config) {
				c.Lobby.Enabled = true
				c.Lobby.URL = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host:    "192.168.1.100",
			TCPPort: 9998,
			UDPPort: 9999,
		},
	}

	if actual := cfg.GetTCPAddress(); actual != "192.168.1.100:9998" {
		t.Errorf("期望 TCP 地址为 '192.168.1.100:9998'，实际为 '%s'", actual)
	}

	if actual := cfg.GetUDPAddress(); actual != "192.168.1.100:9999" {
		t.Errorf("期望 UDP 地址为 '192.168.1.100:9999'，实际为 '%s'", actual)
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	// 检查一些默认值
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("期望默认 host 为 '0.0.0.0'，实际为 '%s'", cfg.Server.Host)
	}

	if cfg.Room.MigrationTimeout != 15*time.Second {
		t.Errorf("期望默认 migration_timeout 为 15s，实际为 %v", cfg.Room.MigrationTimeout)
	}

	if cfg.Security.MaxConnectionsPerIP != 10 {
		t.Errorf("期望默认 max_connections_per_ip 为 10，实际为 %d", cfg.Security.MaxConnectionsPerIP)
	}

	if cfg.Security.BanDuration != 30*time.Minute {
		t.Errorf("期望默认 ban_duration 为 30m，实际为 %v", cfg.Security.BanDuration)
	}

	if cfg.Security.MasterKeyFile != "master_key.txt" {
		t.Errorf("期望默认 master_key_file 为 'master_key.txt'，实际为 '%s'", cfg.Security.MasterKeyFile)
	}
}
