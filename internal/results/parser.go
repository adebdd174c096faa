package results

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidXML marks an export that does not parse as a scan document.
var ErrInvalidXML = errors.New("invalid scan export")

// Finding is one vulnerability record from the exported scan file.
type Finding struct {
	Host       string
	PluginID   int
	Severity   int
	PluginName string
	Port       int
	Protocol   string
	Service    string
	CVSSScore  float64
	CVE        []string
	Synopsis   string
	Description string
	Solution   string
	SeeAlso    []string
}

// Walker receives parse callbacks in document order.
type Walker struct {
	OnHost    func(name string)
	OnFinding func(f *Finding) error
}

// reportItem mirrors the vendor's ReportItem element.
type reportItem struct {
	Port       int     `xml:"port,attr"`
	SvcName    string  `xml:"svc_name,attr"`
	Protocol   string  `xml:"protocol,attr"`
	Severity   int     `xml:"severity,attr"`
	PluginID   int     `xml:"pluginID,attr"`
	PluginName string  `xml:"pluginName,attr"`
	CVSS3      float64 `xml:"cvss3_base_score"`
	CVSS       float64 `xml:"cvss_base_score"`
	CVE        []string `xml:"cve"`
	Synopsis   string  `xml:"synopsis"`
	Description string `xml:"description"`
	Solution   string  `xml:"solution"`
	SeeAlso    string  `xml:"see_also"`
}

// Walk streams through an exported scan document once, invoking callbacks
// per host and per finding. Findings are decoded one element at a time so
// memory stays independent of document size.
func Walk(r io.Reader, w Walker) error {
	dec := xml.NewDecoder(r)
	var currentHost string
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidXML, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "NessusClientData_v2":
			sawRoot = true
		case "ReportHost":
			for _, attr := range start.Attr {
				if attr.Name.Local == "name" {
					currentHost = attr.Value
				}
			}
			if w.OnHost != nil {
				w.OnHost(currentHost)
			}
		case "ReportItem":
			var item reportItem
			if err := dec.DecodeElement(&item, &start); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidXML, err)
			}
			if w.OnFinding != nil {
				if err := w.OnFinding(item.toFinding(currentHost)); err != nil {
					return err
				}
			}
		}
	}

	if !sawRoot {
		return fmt.Errorf("%w: missing NessusClientData_v2 root", ErrInvalidXML)
	}
	return nil
}

func (item *reportItem) toFinding(host string) *Finding {
	score := item.CVSS3
	if score == 0 {
		score = item.CVSS
	}
	var seeAlso []string
	for _, line := range strings.Split(item.SeeAlso, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			seeAlso = append(seeAlso, line)
		}
	}
	return &Finding{
		Host:        host,
		PluginID:    item.PluginID,
		Severity:    item.Severity,
		PluginName:  item.PluginName,
		Port:        item.Port,
		Protocol:    item.Protocol,
		Service:     item.SvcName,
		CVSSScore:   score,
		CVE:         item.CVE,
		Synopsis:    item.Synopsis,
		Description: item.Description,
		Solution:    item.Solution,
		SeeAlso:     seeAlso,
	}
}
