// Package geo maps place names to the short codes used in key expressions.
// Country codes are ISO 3166-1 alpha-2; subdivision codes are WeSense's own
// short slugs derived from GeoNames admin1 names, not an external standard.
package geo

import "strings"

// Unknown is returned for any name the tables do not cover, matching the
// "unknown" segment used throughout key construction.
const Unknown = "unknown"

var countryNameToCode = map[string]string{
	"New Zealand":          "nz",
	"Australia":            "au",
	"United States":        "us",
	"United Kingdom":       "gb",
	"Canada":               "ca",
	"Germany":              "de",
	"France":               "fr",
	"Japan":                "jp",
	"China":                "cn",
	"Brazil":               "br",
	"Mexico":               "mx",
	"South Africa":         "za",
	"India":                "in",
	"Russia":               "ru",
	"Singapore":            "sg",
	"Malaysia":             "my",
	"Taiwan":               "tw",
	"Poland":               "pl",
	"Czech Republic":       "cz",
	"Czechia":              "cz",
	"Ukraine":              "ua",
	"Argentina":            "ar",
	"Belarus":              "by",
	"Netherlands":          "nl",
	"Spain":                "es",
	"Italy":                "it",
	"Sweden":               "se",
	"Norway":               "no",
	"Denmark":              "dk",
	"Finland":              "fi",
	"Switzerland":          "ch",
	"Austria":              "at",
	"Belgium":              "be",
	"Ireland":              "ie",
	"Portugal":             "pt",
	"Greece":               "gr",
	"Thailand":             "th",
	"Indonesia":            "id",
	"Philippines":          "ph",
	"Vietnam":              "vn",
	"South Korea":          "kr",
	"Hong Kong":            "hk",
	"United Arab Emirates": "ae",
	"Saudi Arabia":         "sa",
	"Israel":               "il",
	"Egypt":                "eg",
	"Chile":                "cl",
	"Colombia":             "co",
	"Peru":                 "pe",
}

type subdivisionKey struct {
	country string
	name    string
}

var subdivisionNameToCode = map[subdivisionKey]string{
	// New Zealand, with the "Region"/"District" variant names that show up
	// in GeoNames. Waikato is "wko" per ISO 3166-2:NZ-WKO.
	{"nz", "Auckland"}: "auk", {"nz", "Auckland Region"}: "auk",
	{"nz", "Bay of Plenty"}: "bop", {"nz", "Bay of Plenty Region"}: "bop",
	{"nz", "Canterbury"}: "can", {"nz", "Canterbury Region"}: "can",
	{"nz", "Gisborne"}: "gis", {"nz", "Gisborne District"}: "gis",
	{"nz", "Hawke's Bay"}: "hkb", {"nz", "Hawke's Bay Region"}: "hkb",
	{"nz", "Manawatu-Wanganui"}: "mwt", {"nz", "Manawatū-Whanganui"}: "mwt",
	{"nz", "Marlborough"}: "mbh", {"nz", "Marlborough Region"}: "mbh",
	{"nz", "Nelson"}: "nsn", {"nz", "Nelson Region"}: "nsn",
	{"nz", "Northland"}: "ntl", {"nz", "Northland Region"}: "ntl",
	{"nz", "Otago"}: "ota", {"nz", "Otago Region"}: "ota",
	{"nz", "Southland"}: "stl", {"nz", "Southland Region"}: "stl",
	{"nz", "Taranaki"}: "tki", {"nz", "Taranaki Region"}: "tki",
	{"nz", "Tasman"}: "tas", {"nz", "Tasman District"}: "tas",
	{"nz", "Waikato"}: "wko", {"nz", "Waikato Region"}: "wko",
	{"nz", "Wellington"}: "wgn", {"nz", "Wellington Region"}: "wgn",
	{"nz", "West Coast"}: "wtc", {"nz", "West Coast Region"}: "wtc",

	// Australia
	{"au", "New South Wales"}: "nsw",
	{"au", "Queensland"}:      "qld",
	{"au", "Victoria"}:        "vic",
	{"au", "Western Australia"}: "wa",
	{"au", "South Australia"}:   "sa",
	{"au", "Tasmania"}:          "tas",
	{"au", "Northern Territory"}: "nt",
	{"au", "Australian Capital Territory"}: "act",

	// United States, all 50 states plus DC
	{"us", "Alabama"}: "al", {"us", "Alaska"}: "ak",
	{"us", "Arizona"}: "az", {"us", "Arkansas"}: "ar",
	{"us", "California"}: "ca", {"us", "Colorado"}: "co",
	{"us", "Connecticut"}: "ct", {"us", "Delaware"}: "de",
	{"us", "Florida"}: "fl", {"us", "Georgia"}: "ga",
	{"us", "Hawaii"}: "hi", {"us", "Idaho"}: "id",
	{"us", "Illinois"}: "il", {"us", "Indiana"}: "in",
	{"us", "Iowa"}: "ia", {"us", "Kansas"}: "ks",
	{"us", "Kentucky"}: "ky", {"us", "Louisiana"}: "la",
	{"us", "Maine"}: "me", {"us", "Maryland"}: "md",
	{"us", "Massachusetts"}: "ma", {"us", "Michigan"}: "mi",
	{"us", "Minnesota"}: "mn", {"us", "Mississippi"}: "ms",
	{"us", "Missouri"}: "mo", {"us", "Montana"}: "mt",
	{"us", "Nebraska"}: "ne", {"us", "Nevada"}: "nv",
	{"us", "New Hampshire"}: "nh", {"us", "New Jersey"}: "nj",
	{"us", "New Mexico"}: "nm", {"us", "New York"}: "ny",
	{"us", "North Carolina"}: "nc", {"us", "North Dakota"}: "nd",
	{"us", "Ohio"}: "oh", {"us", "Oklahoma"}: "ok",
	{"us", "Oregon"}: "or", {"us", "Pennsylvania"}: "pa",
	{"us", "Rhode Island"}: "ri", {"us", "South Carolina"}: "sc",
	{"us", "South Dakota"}: "sd", {"us", "Tennessee"}: "tn",
	{"us", "Texas"}: "tx", {"us", "Utah"}: "ut",
	{"us", "Vermont"}: "vt", {"us", "Virginia"}: "va",
	{"us", "Washington"}: "wa", {"us", "West Virginia"}: "wv",
	{"us", "Wisconsin"}: "wi", {"us", "Wyoming"}: "wy",
	{"us", "District of Columbia"}: "dc",

	// United Kingdom
	{"gb", "England"}:          "eng",
	{"gb", "Scotland"}:         "sct",
	{"gb", "Wales"}:            "wls",
	{"gb", "Northern Ireland"}: "nir",

	// Canada
	{"ca", "Ontario"}: "on", {"ca", "Quebec"}: "qc",
	{"ca", "British Columbia"}: "bc", {"ca", "Alberta"}: "ab",
	{"ca", "Manitoba"}: "mb", {"ca", "Saskatchewan"}: "sk",
	{"ca", "Nova Scotia"}: "ns", {"ca", "New Brunswick"}: "nb",
	{"ca", "Newfoundland and Labrador"}: "nl",
	{"ca", "Prince Edward Island"}:      "pe",
	{"ca", "Northwest Territories"}:     "nt",
	{"ca", "Yukon"}: "yt", {"ca", "Nunavut"}: "nu",

	// Germany, common states
	{"de", "Bavaria"}: "by", {"de", "Berlin"}: "be",
	{"de", "Hamburg"}: "hh", {"de", "Hesse"}: "he",
	{"de", "North Rhine-Westphalia"}: "nw",
	{"de", "Saxony"}:                 "sn",
}

var (
	countryNameLower     map[string]string
	subdivisionNameLower map[subdivisionKey]string
)

func init() {
	countryNameLower = make(map[string]string, len(countryNameToCode))
	for name, code := range countryNameToCode {
		countryNameLower[strings.ToLower(name)] = code
	}

	subdivisionNameLower = make(map[subdivisionKey]string, len(subdivisionNameToCode))
	for key, code := range subdivisionNameToCode {
		subdivisionNameLower[subdivisionKey{key.country, strings.ToLower(key.name)}] = code
	}
}

// CountryCode converts a country name to its ISO 3166-1 alpha-2 code,
// lowercase. Matching is exact first, then case-insensitive.
func CountryCode(countryName string) string {
	if countryName == "" {
		return Unknown
	}
	if code, ok := countryNameToCode[countryName]; ok {
		return code
	}
	if code, ok := countryNameLower[strings.ToLower(countryName)]; ok {
		return code
	}
	return Unknown
}

// SubdivisionCode converts a state or region name to its subdivision code
// within the given country.
func SubdivisionCode(countryCode, stateName string) string {
	if countryCode == "" || stateName == "" {
		return Unknown
	}

	cc := strings.ToLower(countryCode)
	if code, ok := subdivisionNameToCode[subdivisionKey{cc, stateName}]; ok {
		return code
	}
	if code, ok := subdivisionNameLower[subdivisionKey{cc, strings.ToLower(stateName)}]; ok {
		return code
	}
	return Unknown
}

// Codes resolves both codes from names in one call.
func Codes(countryName, stateName string) (string, string) {
	country := CountryCode(countryName)
	return country, SubdivisionCode(country, stateName)
}
