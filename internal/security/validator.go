package security

// OnlineIDLength 在线 ID 长度
const OnlineIDLength = 8

// OnlineIDAlphabet 在线 ID 字符集
const OnlineIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ValidateOnlineID 在线 ID 必须是 8 位大写字母或数字
func ValidateOnlineID(s string) bool {
	if len(s) != OnlineIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// ValidatePacket 检查原始包大小：非空、不小于 4 字节、不超过 maxSize
func ValidatePacket(data []byte, maxSize int) error {
	switch {
	case len(data) == 0:
		return ErrEmptyPacket
	case len(data) > maxSize:
		return ErrPacketTooLarge
	case len(data) < 4:
		return ErrPacketTooSmall
	}
	return nil
}
