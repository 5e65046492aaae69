package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// KeySize AES-256 密钥长度
const KeySize = 32

// Cipher AES-256-CBC + PKCS7，密文前置 16 字节随机 IV
type Cipher struct {
	block cipher.Block
}

// NewCipher 创建加解密器，key 必须为 32 字节
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: 主密钥必须为 %d 字节，实际 %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Cipher{block: block}, nil
}

// Encrypt 加密任意长度（含 0）的明文，返回 IV||密文
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	pad := bs - len(plain)%bs

	out := make([]byte, bs+len(plain)+pad)
	iv := out[:bs]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("生成 IV 失败: %w", err)
	}

	body := out[bs:]
	copy(body, plain)
	copy(body[len(plain):], bytes.Repeat([]byte{byte(pad)}, pad))

	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(body, body)
	return out, nil
}

// Decrypt 解密 IV||密文；长度、填充不合法时返回 ErrDecrypt
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(data) < 2*bs || len(data)%bs != 0 {
		return nil, ErrDecrypt
	}

	iv := data[:bs]
	body := make([]byte, len(data)-bs)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(body, data[bs:])

	pad := int(body[len(body)-1])
	if pad == 0 || pad > bs {
		return nil, ErrDecrypt
	}
	for _, b := range body[len(body)-pad:] {
		if int(b) != pad {
			return nil, ErrDecrypt
		}
	}
	return body[:len(body)-pad], nil
}
