package service

import "fmt"

// FullMixPrefix 整轨派生文件前缀
func FullMixPrefix(trackID string) string {
	return fmt.Sprintf("tracks/%s/full", trackID)
}

// StemPrefix 分轨派生文件前缀
func StemPrefix(trackID string, index int) string {
	return fmt.Sprintf("tracks/%s/stems/%d", trackID, index)
}

// OriginalPrefix 原始上传文件前缀
func OriginalPrefix(trackID string) string {
	return fmt.Sprintf("originals/%s", trackID)
}

// StemSourcePrefix 用户上传分轨源文件前缀
func StemSourcePrefix(stemID string) string {
	return fmt.Sprintf("stems/%s/source", stemID)
}
