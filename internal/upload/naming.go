package upload

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	videoDir     = "videos"
	thumbnailDir = "thumbnails"
)

var extByContentType = map[string]string{
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/ogg":       ".ogg",
	"video/quicktime": ".mov",
	"video/x-msvideo": ".avi",
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
}

// uniqueName 生成 prefix_日期_时间_纳秒_随机串.ext 形式的文件名，
// 与用户提供的原始文件名无关，只借用其扩展名。
func uniqueName(prefix, originalName, contentType string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%s_%09d_%s%s",
		prefix,
		now.UTC().Format("20060102_150405"),
		now.Nanosecond(),
		random,
		extensionFor(originalName, contentType),
	)
}

func videoKey(originalName, contentType string, now time.Time) string {
	return path.Join(videoDir, uniqueName("video", originalName, contentType, now))
}

func thumbnailKey(originalName, contentType string, now time.Time) string {
	return path.Join(thumbnailDir, uniqueName("thumb", originalName, contentType, now))
}

// extensionFor 优先使用原始文件名的扩展名，不合法时按内容类型推断。
func extensionFor(originalName, contentType string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(originalName, "\\", "/")))
	if isSafeExt(ext) {
		return ext
	}
	if mapped, ok := extByContentType[contentType]; ok {
		return mapped
	}
	return ".bin"
}

func isSafeExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 || ext[0] != '.' {
		return false
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
