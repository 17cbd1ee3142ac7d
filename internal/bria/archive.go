package bria

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"bria-masktools/internal/pixel"
)

// maskNumberPattern 从文件名中提取编号，例如 "mask_12.png" -> 12
var maskNumberPattern = regexp.MustCompile(`_(\d+)\.`)

// decodedMask 一个通过校验的蒙版及其命名信息
type decodedMask struct {
	name     string
	number   int
	numbered bool
	bitmap   pixel.Bitmap
}

// maskNumber 返回文件名中的编号，没有编号或无法解析时 ok 为 false
func maskNumber(filename string) (int, bool) {
	m := maskNumberPattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// unsafeEntryName 拒绝路径穿越与绝对路径的条目名
func unsafeEntryName(name string) bool {
	if strings.Contains(name, "..") {
		return true
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return true
	}
	// Windows 盘符，例如 "C:\masks\mask_1.png"
	if len(name) >= 2 && name[1] == ':' {
		return true
	}
	return false
}

// readMaskArchive 尝试把数据当作 ZIP 解析。
//
// 不是 ZIP 时 isArchive 为 false，由调用方按单张图片处理。
// 单个条目的问题（路径不安全、辅助输出、超出大小限制、无法解码）只跳过该条目。
// 返回结果按文件名编号升序排列，无编号的条目保持原顺序排在最后。
func (c *Client) readMaskArchive(inv *invocation, data []byte) (masks []decodedMask, isArchive bool) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if r == nil {
		inv.log.WithError(err).Debug("Mask download is not a ZIP archive, treating as single image")
		return nil, false
	}
	if err != nil {
		// 条目名不安全时 reader 仍然可用，逐条过滤
		inv.log.WithError(err).Warn("Mask archive contains insecure entry names")
	}

	var total int64
	for _, f := range r.File {
		name := f.Name
		entryLog := inv.log.WithField("entry", name)

		if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
			continue
		}
		if unsafeEntryName(name) {
			entryLog.Warn("Skipping archive entry with unsafe path")
			continue
		}

		filename := path.Base(strings.ReplaceAll(name, "\\", "/"))
		if c.isAuxiliary(filename) {
			entryLog.Debug("Skipping auxiliary archive entry")
			continue
		}

		size := int64(f.UncompressedSize64)
		if f.UncompressedSize64 > uint64(c.maxEntryBytes) {
			entryLog.WithField("size", f.UncompressedSize64).Warn("Skipping oversized archive entry")
			continue
		}
		if total+size > c.maxArchiveBytes {
			entryLog.WithFields(map[string]interface{}{
				"size":  size,
				"total": total,
			}).Warn("Skipping archive entry beyond aggregate size limit")
			continue
		}

		content, err := readEntry(f, c.maxEntryBytes)
		if err != nil {
			entryLog.WithError(err).Warn("Skipping unreadable archive entry")
			continue
		}
		total += int64(len(content))

		bmp, err := pixel.Decode(content)
		if err != nil {
			entryLog.WithError(err).Debug("Skipping archive entry that is not a valid image")
			continue
		}

		n, ok := maskNumber(filename)
		masks = append(masks, decodedMask{name: filename, number: n, numbered: ok, bitmap: bmp})
	}

	sort.SliceStable(masks, func(i, j int) bool {
		a, b := masks[i], masks[j]
		if a.numbered != b.numbered {
			return a.numbered
		}
		return a.numbered && a.number < b.number
	})

	for i := range masks {
		if masks[i].numbered {
			masks[i].name = fmt.Sprintf("Object Mask %d", masks[i].number)
		} else {
			masks[i].name = fmt.Sprintf("Mask %d", i+1)
		}
	}

	return masks, true
}

// readEntry 读取条目内容，实际解压大小超过 limit 时报错（不信任目录中记录的大小）
func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry: %w", err)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	if int64(len(content)) > limit {
		return nil, fmt.Errorf("entry exceeds %d bytes", limit)
	}
	return content, nil
}
