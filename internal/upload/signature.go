package upload

import "bytes"

// signatureHeadSize 是签名检测读取的前缀长度。
const signatureHeadSize = 16

// smallVideoThreshold 以下的视频只记录告警。
const smallVideoThreshold = 1024

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggMagic  = []byte("OggS")
	riffMagic = []byte("RIFF")
	aviMagic  = []byte("AVI ")
)

// containerOf 根据文件头识别常见的视频容器，无法识别时返回空串。
func containerOf(head []byte) string {
	switch {
	case len(head) >= 8 && isISOBMFFBox(head[4:8]):
		return "isobmff"
	case bytes.HasPrefix(head, ebmlMagic):
		return "ebml"
	case bytes.HasPrefix(head, oggMagic):
		return "ogg"
	case len(head) >= 12 && bytes.HasPrefix(head, riffMagic) && bytes.Equal(head[8:12], aviMagic):
		return "avi"
	}
	return ""
}

func isISOBMFFBox(box []byte) bool {
	switch string(box) {
	case "ftyp", "moov", "mdat", "wide", "free", "skip":
		return true
	}
	return false
}

// signatureMatches 判断文件头与声明的内容类型是否一致，只作为软性信号。
func signatureMatches(contentType string, head []byte) bool {
	got := containerOf(head)
	switch contentType {
	case "video/mp4", "video/quicktime":
		return got == "isobmff"
	case "video/webm":
		return got == "ebml"
	case "video/ogg":
		return got == "ogg"
	case "video/x-msvideo":
		return got == "avi"
	}
	return got != ""
}
