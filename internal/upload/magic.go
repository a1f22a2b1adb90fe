package upload

import "bytes"

// SniffLen is how many leading bytes MatchMagic needs.
const SniffLen = 512

// MatchMagic reports whether head looks like a file of type ext (lower case,
// with or without the dot). Unknown extensions always match.
func MatchMagic(ext string, head []byte) bool {
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	switch ext {
	case "jpg", "jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case "png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case "gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case "webp":
		return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP"))
	case "heic":
		return isoBrand(head, "heic", "heix", "mif1")
	case "mp4", "mov":
		return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
	case "avi":
		return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("AVI "))
	case "webm", "mkv":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte{0x1A, 0x45, 0xDF, 0xA3})
	case "pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case "doc", "xls", "ppt", "hwp":
		return len(head) >= 4 && head[0] == 0xD0 && head[1] == 0xCF && head[2] == 0x11 && head[3] == 0xE0
	case "docx", "xlsx", "pptx", "zip":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && (head[3] == 0x04 || head[3] == 0x06)
	}
	return true
}

func isoBrand(head []byte, brands ...string) bool {
	if len(head) < 12 || !bytes.Equal(head[4:8], []byte("ftyp")) {
		return false
	}
	for _, b := range brands {
		if bytes.Equal(head[8:12], []byte(b)) {
			return true
		}
	}
	return false
}
