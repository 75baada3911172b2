package processors

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"log"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"videoCourse/core"
	"videoCourse/utils"
)

// 幻灯片布局
const (
	SlideWidth  = 1920
	SlideHeight = 1080
	thumbMaxW   = 1400
	thumbMaxH   = 700
	thumbTop    = 100

	topicMaxChars   = 50
	captionMaxChars = 150
	captionWrap     = 60
	captionMaxLines = 2

	defaultSlideTopic = "Educational content"
)

var (
	slideBackground = color.RGBA{15, 23, 42, 255}
	captionBox      = color.RGBA{30, 41, 59, 255}
	accentYellow    = color.RGBA{250, 204, 21, 255}
	captionText     = color.RGBA{226, 232, 240, 255}
)

// SlideRenderer 把关键帧、主题和描述合成为固定布局的幻灯片
type SlideRenderer struct {
	font *opentype.Font
}

// NewSlideRenderer 加载 TrueType 字体，失败时使用内置点阵字体
func NewSlideRenderer(fontPath string) *SlideRenderer {
	r := &SlideRenderer{}
	if fontPath == "" {
		return r
	}
	data, err := os.ReadFile(fontPath)
	if err != nil {
		log.Printf("[SLIDES] font %s unavailable, using built-in bitmap font", fontPath)
		return r
	}
	f, err := opentype.Parse(data)
	if err != nil {
		log.Printf("[SLIDES] font %s invalid (%v), using built-in bitmap font", fontPath, err)
		return r
	}
	r.font = f
	return r
}

// faces 每次渲染新建字体实例，opentype face 不能并发共享
func (r *SlideRenderer) faces() (title, body font.Face) {
	if r.font != nil {
		t, err1 := opentype.NewFace(r.font, &opentype.FaceOptions{Size: 48, DPI: 72, Hinting: font.HintingFull})
		b, err2 := opentype.NewFace(r.font, &opentype.FaceOptions{Size: 32, DPI: 72, Hinting: font.HintingFull})
		if err1 == nil && err2 == nil {
			return t, b
		}
	}
	return basicfont.Face7x13, basicfont.Face7x13
}

// Render 生成 1920x1080 幻灯片，相同输入得到相同像素
func (r *SlideRenderer) Render(frame image.Image, v core.Verdict, index int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, SlideWidth, SlideHeight))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{slideBackground}, image.Point{}, draw.Src)

	titleFace, bodyFace := r.faces()

	tw, th := FitWithin(frame.Bounds().Dx(), frame.Bounds().Dy(), thumbMaxW, thumbMaxH)
	x := (SlideWidth - tw) / 2
	xdraw.CatmullRom.Scale(canvas, image.Rect(x, thumbTop, x+tw, thumbTop+th), frame, frame.Bounds(), xdraw.Over, nil)

	drawText(canvas, titleFace, accentYellow, 50, 30, fmt.Sprintf("%d", index))
	topic := v.Topic
	if strings.TrimSpace(topic) == "" {
		topic = defaultSlideTopic
	}
	drawText(canvas, titleFace, color.White, 150, 50, truncateRunes(topic, topicMaxChars))

	descY := thumbTop + th + 50
	draw.Draw(canvas, image.Rect(50, descY-20, SlideWidth-50, descY+120), &image.Uniform{captionBox}, image.Point{}, draw.Src)
	for i, line := range WrapCaption(truncateRunes(v.Description, captionMaxChars), captionWrap, captionMaxLines) {
		drawText(canvas, bodyFace, captionText, 100, descY+i*50, line)
	}
	return canvas
}

// RenderFile 解码帧图像、渲染并写成 JPEG
func (r *SlideRenderer) RenderFile(frameJPEG []byte, v core.Verdict, index int, out string) error {
	frame, _, err := image.Decode(bytes.NewReader(frameJPEG))
	if err != nil {
		return errors.Wrap(err, "decode frame")
	}
	slide := r.Render(frame, v, index)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, slide, &jpeg.Options{Quality: 95}); err != nil {
		return errors.Wrap(err, "encode slide")
	}
	_, err = utils.SaveStream(&buf, out)
	return err
}

// FitWithin 等比缩小到 maxW x maxH 以内，不放大
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	scale := 1.0
	if sw := float64(maxW) / float64(w); sw < scale {
		scale = sw
	}
	if sh := float64(maxH) / float64(h); sh < scale {
		scale = sh
	}
	nw, nh := int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)
	return max(nw, 1), max(nh, 1)
}

// WrapCaption 按单词贪心换行，每行不超过 width 个字符，最多 maxLines 行
func WrapCaption(text string, width, maxLines int) []string {
	var lines []string
	var cur []string
	curLen := 0
	for _, w := range strings.Fields(text) {
		wl := len([]rune(w))
		if len(cur) > 0 && curLen+1+wl > width {
			lines = append(lines, strings.Join(cur, " "))
			cur, curLen = nil, 0
		}
		if len(cur) > 0 {
			curLen++
		}
		cur = append(cur, w)
		curLen += wl
	}
	if len(cur) > 0 {
		lines = append(lines, strings.Join(cur, " "))
	}
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}

// drawText (x, y) 为文字左上角
func drawText(dst draw.Image, face font.Face, c color.Color, x, y int, text string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y) + face.Metrics().Ascent},
	}
	d.DrawString(text)
}
