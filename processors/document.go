package processors

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/go-pdf/fpdf"

	"videoCourse/utils"
)

// 幻灯片在 PDF 中的打印尺寸 6in x 3.375in
const (
	pdfSlideW = 6 * 25.4
	pdfSlideH = 3.375 * 25.4
	a4Width   = 210.0
)

// SlidePage PDF 中的一页幻灯片
type SlidePage struct {
	Path  string
	Topic string
}

// CourseStats 封面上的统计信息
type CourseStats struct {
	DurationSec  float64
	WaterPercent float64
	KeyMoments   int
	Topics       []string
}

// DocumentAssembler 生成课程 PDF
type DocumentAssembler struct {
	fontPath string
}

// NewDocumentAssembler fontPath 为 UTF-8 TrueType 字体，不存在时退回 Helvetica
func NewDocumentAssembler(fontPath string) *DocumentAssembler {
	return &DocumentAssembler{fontPath: fontPath}
}

// Build 封面、目录，然后每页一张幻灯片
func (d *DocumentAssembler) Build(pages []SlidePage, stats CourseStats, out string) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Educational course", true)
	pdf.SetCreator("videoCourse", true)

	family := "Helvetica"
	utf8 := false
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	if d.fontPath != "" && utils.FileExists(d.fontPath) {
		pdf.AddUTF8Font("CourseFont", "", d.fontPath)
		if pdf.Ok() {
			family, utf8 = "CourseFont", true
			tr = func(s string) string { return s }
		} else {
			pdf.ClearError()
		}
	}
	setFont := func(style string, size float64) {
		if utf8 {
			style = ""
		}
		pdf.SetFont(family, style, size)
	}

	// 封面
	pdf.AddPage()
	pdf.Ln(60)
	setFont("B", 28)
	pdf.SetTextColor(15, 23, 42)
	pdf.CellFormat(0, 14, tr("Educational course"), "", 1, "C", false, 0, "")
	setFont("", 14)
	pdf.SetTextColor(71, 85, 105)
	pdf.CellFormat(0, 10, tr("Key moments extracted from the source video"), "", 1, "C", false, 0, "")
	pdf.Ln(20)
	setFont("", 12)
	pdf.SetTextColor(0, 0, 0)
	for _, line := range []string{
		fmt.Sprintf("Original duration: %.1f s", stats.DurationSec),
		fmt.Sprintf("Water removed: %.1f%%", stats.WaterPercent),
		fmt.Sprintf("Key moments: %d", stats.KeyMoments),
	} {
		pdf.CellFormat(0, 8, tr(line), "", 1, "C", false, 0, "")
	}

	// 目录
	pdf.AddPage()
	setFont("B", 20)
	pdf.CellFormat(0, 12, tr("Contents"), "", 1, "L", false, 0, "")
	pdf.Ln(4)
	setFont("", 12)
	if len(stats.Topics) == 0 {
		pdf.CellFormat(0, 8, tr("No key moments were detected."), "", 1, "L", false, 0, "")
	}
	for i, topic := range stats.Topics {
		pdf.MultiCell(0, 8, tr(fmt.Sprintf("%d. %s", i+1, topic)), "", "L", false)
	}

	for i, p := range pages {
		pdf.AddPage()
		setFont("B", 16)
		heading := fmt.Sprintf("Slide %d", i+1)
		if p.Topic != "" {
			heading += ": " + truncateRunes(p.Topic, topicMaxChars)
		}
		pdf.CellFormat(0, 10, tr(heading), "", 1, "L", false, 0, "")
		pdf.ImageOptions(p.Path, (a4Width-pdfSlideW)/2, pdf.GetY()+5, pdfSlideW, pdfSlideH, false,
			fpdf.ImageOptions{ImageType: "JPG"}, 0, "")
	}

	if err := pdf.OutputFileAndClose(out); err != nil {
		return errors.Wrap(err, "write pdf")
	}
	return nil
}
