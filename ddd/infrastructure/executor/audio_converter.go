package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

const (
	toolFFmpeg = "ffmpeg"
	toolLame   = "lame"
)

var stemIndexPattern = regexp.MustCompile(`(\d+)\D*$`)

// pcm16Args 16-bit PCM WAV 输出，不写入元数据块
var pcm16Args = []string{"-map_metadata", "-1", "-fflags", "+bitexact", "-c:a", "pcm_s16le"}

// AudioConverter implements port.AudioConverter on top of ffmpeg, lame and
// the configured module players. Every call owns a fresh scratch directory.
type AudioConverter struct {
	runner  port.ProcessRunner
	tools   config.ToolsConfig
	audio   config.AudioConfig
	players map[vo.AudioFormat]config.ModulePlayerConfig
}

// NewAudioConverter 创建转换器，模块格式按配置映射到播放器
func NewAudioConverter(runner port.ProcessRunner, tools config.ToolsConfig, audio config.AudioConfig) *AudioConverter {
	players := make(map[vo.AudioFormat]config.ModulePlayerConfig)
	for _, p := range tools.ModulePlayers {
		for _, f := range p.Formats {
			if format, ok := vo.ParseAudioFormat(f); ok && format.IsModule() {
				players[format] = p
			}
		}
	}
	return &AudioConverter{runner: runner, tools: tools, audio: audio, players: players}
}

// ToolPaths 全部外部工具，供依赖检查使用
func (c *AudioConverter) ToolPaths() map[string]string {
	out := map[string]string{
		toolFFmpeg: c.ffmpegPath(),
		toolLame:   c.lamePath(),
	}
	for _, p := range c.tools.ModulePlayers {
		out[p.Name] = playerPath(p)
	}
	return out
}

// ModuleToWav renders the full mix and one WAV per channel.
func (c *AudioConverter) ModuleToWav(ctx context.Context, data []byte, format vo.AudioFormat) (*port.ModuleRender, error) {
	player, ok := c.players[format]
	if !ok {
		return nil, errno.NewConversionError("module-to-wav", "unsupported module format %q", format)
	}

	var render *port.ModuleRender
	err := c.withScratch("module", func(dir string) error {
		input := filepath.Join(dir, "input"+format.Extension())
		if err := os.WriteFile(input, data, 0o600); err != nil {
			return fmt.Errorf("write module input: %w", err)
		}

		fullPath := filepath.Join(dir, "full.wav")
		vars := map[string]string{"{input}": input, "{output}": fullPath, "{output_dir}": dir}
		if _, err := c.runner.Run(ctx, port.Command{
			Tool: player.Name, Path: playerPath(player), Args: substitute(player.FullMixArgs, vars), Dir: dir,
		}); err != nil {
			return err
		}
		fullMix, err := os.ReadFile(fullPath)
		if err != nil {
			return &errno.ConversionError{Op: "module-to-wav", Reason: "player produced no full mix", Err: err}
		}

		stemDir := filepath.Join(dir, "stems")
		if err := os.MkdirAll(stemDir, 0o700); err != nil {
			return fmt.Errorf("create stem dir: %w", err)
		}
		vars["{output_dir}"] = stemDir
		vars["{output}"] = filepath.Join(stemDir, "stem.wav")
		if _, err := c.runner.Run(ctx, port.Command{
			Tool: player.Name, Path: playerPath(player), Args: substitute(player.StemArgs, vars), Dir: stemDir,
		}); err != nil {
			return err
		}
		stems, err := collectStems(stemDir)
		if err != nil {
			return err
		}
		render = &port.ModuleRender{FullMix: fullMix, Stems: stems}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("rendered %s module into full mix and %d stems", format, len(render.Stems))
	return render, nil
}

// collectStems 按文件名中的通道序号排序，无文件、缺序号或序号重复都无法确定顺序
func collectStems(dir string) ([]port.RenderedStem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list stem dir: %w", err)
	}
	seen := make(map[int]string)
	stems := make([]port.RenderedStem, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		m := stemIndexPattern.FindStringSubmatch(base)
		if m == nil {
			return nil, errno.NewConversionError("module-to-wav", "stem file %q has no channel index", e.Name())
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errno.NewConversionError("module-to-wav", "stem file %q has invalid index", e.Name())
		}
		if prev, dup := seen[idx]; dup {
			return nil, errno.NewConversionError("module-to-wav", "stem files %q and %q share index %d", prev, e.Name(), idx)
		}
		seen[idx] = e.Name()
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read stem %s: %w", e.Name(), err)
		}
		stems = append(stems, port.RenderedStem{Index: idx, Name: base, Data: data})
	}
	if len(stems) == 0 {
		return nil, errno.NewConversionError("module-to-wav", "player produced no stem files")
	}
	sort.Slice(stems, func(i, j int) bool { return stems[i].Index < stems[j].Index })
	return stems, nil
}

// WavToMp3 ffmpeg 解码输出直接管道给 lame，保证流开头没有编码器填充
func (c *AudioConverter) WavToMp3(ctx context.Context, wav []byte, bitrateKbps int) ([]byte, error) {
	if bitrateKbps <= 0 {
		bitrateKbps = c.audio.Mp3BitrateKbps
	}
	if bitrateKbps <= 0 {
		bitrateKbps = 320
	}
	var out []byte
	err := c.withScratch("mp3", func(dir string) error {
		input := filepath.Join(dir, "input.wav")
		output := filepath.Join(dir, "output.mp3")
		if err := os.WriteFile(input, wav, 0o600); err != nil {
			return fmt.Errorf("write wav input: %w", err)
		}
		producer := port.Command{
			Tool: toolFFmpeg, Path: c.ffmpegPath(),
			Args: []string{"-hide_banner", "-loglevel", "error", "-i", input, "-f", "wav", "-acodec", "pcm_s16le", "-"},
		}
		consumer := port.Command{
			Tool: toolLame, Path: c.lamePath(),
			Args: []string{"--silent", "-b", strconv.Itoa(bitrateKbps), "--cbr", "-", output},
		}
		if _, err := c.runner.Pipe(ctx, producer, consumer); err != nil {
			return err
		}
		var err error
		out, err = readOutput(output, "wav-to-mp3")
		return err
	})
	return out, err
}

// WavToFlac 固定压缩级别
func (c *AudioConverter) WavToFlac(ctx context.Context, wav []byte) ([]byte, error) {
	level := c.audio.FlacCompressionLevel
	if level <= 0 {
		level = 5
	}
	return c.transcode(ctx, "wav-to-flac", wav, vo.FormatWAV, vo.FormatFLAC,
		"-c:a", "flac", "-compression_level", strconv.Itoa(level))
}

// FlacToWav 输出 16-bit PCM
func (c *AudioConverter) FlacToWav(ctx context.Context, flac []byte) ([]byte, error) {
	return c.transcode(ctx, "flac-to-wav", flac, vo.FormatFLAC, vo.FormatWAV, pcm16Args...)
}

// ToWav 已是 16-bit WAV 时原样返回
func (c *AudioConverter) ToWav(ctx context.Context, data []byte, format vo.AudioFormat) ([]byte, error) {
	if format.IsModule() {
		return nil, errno.NewConversionError("to-wav", "module %q must be rendered, not transcoded", format)
	}
	if format == vo.FormatWAV {
		if info, err := service.ProbeWav(data); err == nil && info.BitDepth == 16 {
			return data, nil
		}
	}
	return c.transcode(ctx, "to-wav", data, format, vo.FormatWAV, pcm16Args...)
}

// NormalizeWav 采样率与声道已一致时原样返回
func (c *AudioConverter) NormalizeWav(ctx context.Context, wav []byte, sampleRate, channels int) ([]byte, error) {
	info, err := service.ProbeWav(wav)
	if err == nil && info.SampleRate == sampleRate && info.Channels == channels && info.BitDepth == 16 {
		return wav, nil
	}
	args := append([]string{"-ar", strconv.Itoa(sampleRate), "-ac", strconv.Itoa(channels)}, pcm16Args...)
	return c.transcode(ctx, "normalize-wav", wav, vo.FormatWAV, vo.FormatWAV, args...)
}

func (c *AudioConverter) transcode(ctx context.Context, op string, data []byte, from, to vo.AudioFormat, codecArgs ...string) ([]byte, error) {
	var out []byte
	err := c.withScratch(op, func(dir string) error {
		input := filepath.Join(dir, "input"+from.Extension())
		output := filepath.Join(dir, "output"+to.Extension())
		if err := os.WriteFile(input, data, 0o600); err != nil {
			return fmt.Errorf("write %s input: %w", op, err)
		}
		args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input}
		args = append(args, codecArgs...)
		args = append(args, output)
		if _, err := c.runner.Run(ctx, port.Command{Tool: toolFFmpeg, Path: c.ffmpegPath(), Args: args}); err != nil {
			return err
		}
		var err error
		out, err = readOutput(output, op)
		return err
	})
	return out, err
}

// withScratch 每次调用独占一个临时目录，任何返回路径都会删除
func (c *AudioConverter) withScratch(op string, fn func(dir string) error) error {
	base := c.tools.TempDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("create temp root: %w", err)
	}
	dir, err := os.MkdirTemp(base, "audio-"+op+"-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warnf("remove scratch dir %s: %v", dir, rmErr)
		}
	}()
	return fn(dir)
}

func readOutput(path, op string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errno.ConversionError{Op: op, Reason: "tool produced no output", Err: err}
	}
	if len(data) == 0 {
		return nil, errno.NewConversionError(op, "tool produced empty output")
	}
	return data, nil
}

func substitute(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

func playerPath(p config.ModulePlayerConfig) string {
	if p.BinaryPath != "" {
		return p.BinaryPath
	}
	return p.Name
}

func (c *AudioConverter) ffmpegPath() string {
	if c.tools.FFmpegPath != "" {
		return c.tools.FFmpegPath
	}
	return toolFFmpeg
}

func (c *AudioConverter) lamePath() string {
	if c.tools.LamePath != "" {
		return c.tools.LamePath
	}
	return toolLame
}
