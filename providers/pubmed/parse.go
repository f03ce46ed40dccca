package pubmed

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"pubmed-newsroom/models"
	"pubmed-newsroom/providers"
)

// Quellen für das aufgelöste Publikationsdatum.
const (
	DateSourceElectronic = "electronic_pub_date"
	DateSourceJournal    = "journal_issue_pub_date"
	DateSourceUnknown    = "unknown"
)

var (
	yearRegex  = regexp.MustCompile(`\b(\d{4})\b`)
	dayRegex   = regexp.MustCompile(`\b([0-2]?\d|3[0-1])\b`)
	monthRegex = regexp.MustCompile(`\b([A-Za-z]{3,9})\.?\b`)
	numRegex   = regexp.MustCompile(`\b(0?[1-9]|1[0-2])\b`)
)

var monthNames = map[string]int{
	"jan": 1, "january": 1,
	"feb": 2, "february": 2,
	"mar": 3, "march": 3,
	"apr": 4, "april": 4,
	"may": 5,
	"jun": 6, "june": 6,
	"jul": 7, "july": 7,
	"aug": 8, "august": 8,
	"sep": 9, "sept": 9, "september": 9,
	"oct": 10, "october": 10,
	"nov": 11, "november": 11,
	"dec": 12, "december": 12,
}

// parseArticleSet dekodiert eine EFetch-Antwort und wandelt jeden Artikel in
// einen Record oder einen Skipped-Eintrag um.
func parseArticleSet(data []byte) (*providers.FetchResult, error) {
	var set PubmedArticleSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: efetch xml: %v", providers.ErrFetchFailed, err)
	}

	result := &providers.FetchResult{}
	for i := range set.PubmedArticle {
		record, missing := mapArticleToRecord(&set.PubmedArticle[i])
		if len(missing) > 0 {
			result.Skipped = append(result.Skipped, providers.Skipped{
				PMID:          record.PMID,
				MissingFields: missing,
			})
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

// mapArticleToRecord wandelt ein XML-Article-Objekt in unser Record-Modell um.
// Fehlen Pflichtfelder, werden deren Namen zurückgegeben und der Record verworfen.
func mapArticleToRecord(article *PubmedArticle) (*models.Record, []string) {
	r := &models.Record{
		PMID:     strings.TrimSpace(article.MedlineCitation.PMID),
		Title:    strings.TrimSpace(article.MedlineCitation.Article.Title),
		Abstract: joinAbstract(article.MedlineCitation.Article.Abstract.Sections),
		Journal:  strings.TrimSpace(article.MedlineCitation.Article.Journal.Title),
	}

	pubDate := article.MedlineCitation.Article.Journal.PubDate
	year := strings.TrimSpace(pubDate.Year)
	if year == "" {
		medline := strings.TrimSpace(pubDate.MedlineDate)
		if len(medline) >= 4 && isDigits(medline[:4]) {
			year = medline[:4]
		} else {
			year = medline
		}
	}

	date, raw, source := extractPublicationDate(article)
	if year == "" && date != "" {
		year = strings.SplitN(date, "-", 2)[0]
	}
	r.Year = year
	r.PublicationDate = date
	r.PublicationDateRaw = raw
	r.PublicationDateSource = source

	var authors []string
	for _, author := range article.MedlineCitation.Article.Authors {
		if name := strings.TrimSpace(author.CollectiveName); name != "" {
			authors = append(authors, name)
			continue
		}
		name := strings.TrimSpace(strings.TrimSpace(author.ForeName) + " " + strings.TrimSpace(author.LastName))
		if name != "" {
			authors = append(authors, name)
		}
	}
	r.SetAuthorNames(authors)

	for _, aid := range article.PubmedData.ArticleIds {
		val := strings.TrimSpace(aid.Value)
		if val == "" {
			continue
		}
		switch aid.IDType {
		case "doi":
			r.DOI = val
		case "pmc":
			if !strings.HasPrefix(val, "PMC") {
				val = "PMC" + val
			}
			r.PMCID = val
		}
	}

	var pubTypes []string
	for _, pt := range article.MedlineCitation.Article.PublicationTypes {
		if pt = strings.TrimSpace(pt); pt != "" {
			pubTypes = append(pubTypes, pt)
		}
	}
	r.SetPublicationTypeNames(pubTypes)

	var missing []string
	if r.Title == "" {
		missing = append(missing, "title")
	}
	if r.Abstract == "" {
		missing = append(missing, "abstract")
	}
	if r.Journal == "" {
		missing = append(missing, "journal")
	}
	if r.Year == "" {
		missing = append(missing, "year")
	}
	return r, missing
}

// joinAbstract setzt gelabelte Abstract-Abschnitte zeilenweise zusammen.
func joinAbstract(sections []AbstractSection) string {
	var parts []string
	for _, section := range sections {
		text := strings.TrimSpace(section.Text)
		if text == "" {
			continue
		}
		if label := strings.TrimSpace(section.Label); label != "" {
			parts = append(parts, label+": "+text)
		} else {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// extractPublicationDate bevorzugt das elektronische Publikationsdatum und
// fällt auf das Journal-Issue-Datum inklusive MedlineDate zurück.
func extractPublicationDate(article *PubmedArticle) (normalized, raw, source string) {
	for _, ad := range article.MedlineCitation.Article.ArticleDates {
		if !strings.EqualFold(strings.TrimSpace(ad.DateType), "electronic") {
			continue
		}
		year, month, day := strings.TrimSpace(ad.Year), strings.TrimSpace(ad.Month), strings.TrimSpace(ad.Day)
		if n := normalizeDate(year, month, day); n != "" {
			raw = joinNonEmpty("-", year, month, day)
			if raw == "" {
				raw = n
			}
			return n, raw, DateSourceElectronic
		}
	}

	pubDate := article.MedlineCitation.Article.Journal.PubDate
	year, month, day := strings.TrimSpace(pubDate.Year), strings.TrimSpace(pubDate.Month), strings.TrimSpace(pubDate.Day)
	if n := normalizeDate(year, month, day); n != "" {
		raw = joinNonEmpty(" ", year, month, day)
		if raw == "" {
			raw = n
		}
		return n, raw, DateSourceJournal
	}

	medline := strings.TrimSpace(pubDate.MedlineDate)
	if n := normalizeMedlineDate(medline); n != "" {
		return n, medline, DateSourceJournal
	}

	return "", "", DateSourceUnknown
}

// normalizeDate baut aus freien Jahr/Monat/Tag-Angaben ein ISO-artiges Datum
// (YYYY, YYYY-MM oder YYYY-MM-DD). Ohne erkennbares Jahr bleibt es leer.
func normalizeDate(yearText, monthText, dayText string) string {
	yearMatch := yearRegex.FindStringSubmatch(strings.TrimSpace(yearText))
	if yearMatch == nil {
		return ""
	}
	year := yearMatch[1]

	monthNum := monthToNumber(monthText)
	if monthNum == 0 {
		return year
	}
	month := fmt.Sprintf("%02d", monthNum)

	dayMatch := dayRegex.FindStringSubmatch(strings.TrimSpace(dayText))
	if dayMatch == nil {
		return year + "-" + month
	}
	day := 0
	fmt.Sscanf(dayMatch[1], "%d", &day)
	if day <= 0 {
		return year + "-" + month
	}
	return fmt.Sprintf("%s-%s-%02d", year, month, day)
}

// normalizeMedlineDate zerlegt Freitext wie "2001 Jan-Feb" oder "2000 Spring".
func normalizeMedlineDate(medlineDate string) string {
	text := strings.TrimSpace(medlineDate)
	if text == "" {
		return ""
	}
	yearLoc := yearRegex.FindStringSubmatchIndex(text)
	if yearLoc == nil {
		return ""
	}
	year := text[yearLoc[2]:yearLoc[3]]
	remainder := text[yearLoc[1]:]

	monthToken := ""
	monthLoc := monthRegex.FindStringSubmatchIndex(remainder)
	if monthLoc != nil {
		monthToken = remainder[monthLoc[2]:monthLoc[3]]
	}

	dayToken := ""
	if monthLoc != nil {
		if dayMatch := dayRegex.FindStringSubmatch(remainder[monthLoc[1]:]); dayMatch != nil {
			dayToken = dayMatch[1]
		}
	}
	return normalizeDate(year, monthToken, dayToken)
}

// monthToNumber akzeptiert Monatsnamen, Abkürzungen und numerische Monate.
func monthToNumber(monthText string) int {
	month := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(monthText), "."))
	if month == "" {
		return 0
	}
	if num, ok := monthNames[month]; ok {
		return num
	}
	if match := numRegex.FindStringSubmatch(month); match != nil {
		num := 0
		fmt.Sscanf(match[1], "%d", &num)
		return num
	}
	return 0
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, sep)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
