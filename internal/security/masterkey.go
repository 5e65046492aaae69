package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// KeySource 主密钥来源
type KeySource string

const (
	KeyFromConfig    KeySource = "config"
	KeyFromFile      KeySource = "file"
	KeyFromGenerated KeySource = "generated"
)

// LoadOrCreateMasterKey 按顺序获取主密钥：显式配置 -> 密钥文件 -> 新生成并写入密钥文件
// 显式配置和密钥文件中的值均为 base64 编码
func LoadOrCreateMasterKey(configured, path string) ([]byte, KeySource, error) {
	if configured != "" {
		key, err := decodeKey(configured)
		if err != nil {
			return nil, "", fmt.Errorf("解析配置的主密钥失败: %w", err)
		}
		return key, KeyFromConfig, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := decodeKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, "", fmt.Errorf("解析密钥文件 %s 失败: %w", path, err)
		}
		return key, KeyFromFile, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, "", fmt.Errorf("读取密钥文件失败: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("生成主密钥失败: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
		return nil, "", fmt.Errorf("写入密钥文件失败: %w", err)
	}
	return key, KeyFromGenerated, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: 需要 %d 字节，实际 %d", ErrInvalidKey, KeySize, len(key))
	}
	return key, nil
}
