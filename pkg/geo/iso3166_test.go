package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountryCode(t *testing.T) {
	require.Equal(t, "nz", CountryCode("New Zealand"))
	require.Equal(t, "nz", CountryCode("new zealand"))
	require.Equal(t, "nz", CountryCode("NEW ZEALAND"))
	require.Equal(t, "gb", CountryCode("United Kingdom"))
	require.Equal(t, Unknown, CountryCode("Atlantis"))
	require.Equal(t, Unknown, CountryCode(""))
}

func TestSubdivisionCode(t *testing.T) {
	require.Equal(t, "auk", SubdivisionCode("nz", "Auckland"))
	require.Equal(t, "auk", SubdivisionCode("NZ", "Auckland Region"))
	require.Equal(t, "auk", SubdivisionCode("nz", "auckland"))
	require.Equal(t, "wko", SubdivisionCode("nz", "Waikato"))
	require.Equal(t, "nsw", SubdivisionCode("au", "New South Wales"))
	require.Equal(t, "dc", SubdivisionCode("us", "District of Columbia"))

	require.Equal(t, Unknown, SubdivisionCode("nz", "Gondor"))
	require.Equal(t, Unknown, SubdivisionCode("", "Auckland"))
	require.Equal(t, Unknown, SubdivisionCode("nz", ""))
	// Name scoped to the wrong country.
	require.Equal(t, Unknown, SubdivisionCode("au", "Auckland"))
}

func TestCodes(t *testing.T) {
	country, subdivision := Codes("New Zealand", "Auckland Region")
	require.Equal(t, "nz", country)
	require.Equal(t, "auk", subdivision)

	country, subdivision = Codes("Atlantis", "Auckland")
	require.Equal(t, Unknown, country)
	require.Equal(t, Unknown, subdivision)
}
