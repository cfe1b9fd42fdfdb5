package adminhttp

import (
	"bufio"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultLogLines = 200
	maxLogLines     = 2000
	maxLogLineSize  = 1024 * 1024
)

func (r *Router) handleLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	if limit <= 0 {
		limit = defaultLogLines
	}
	if limit > maxLogLines {
		limit = maxLogLines
	}
	lines, err := readLastLines(r.cfg.LogPath, limit)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusOK, gin.H{"lines": []string{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if kw := strings.TrimSpace(c.Query("grep")); kw != "" {
		filtered := lines[:0]
		for _, l := range lines {
			if strings.Contains(l, kw) {
				filtered = append(filtered, l)
			}
		}
		lines = filtered
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func readLastLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineSize)
	lines := make([]string, 0, limit)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
