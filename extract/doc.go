// Package extract turns fetched pages into flat records using a small rule
// language.
//
// A rule is a string of the form kind:argument:
//
//	css:h1.product-name          text of the first matching element
//	css:a.download@href          attribute of the first matching element
//	regex:SKU-(\d+)              first capture group (or whole match) in the body
//	json:offers.price            dot path into a JSON body or JSON-LD block
//	meta:og:title                content of <meta name|property="og:title">
//	title                        the document <title>
//
// Rules are pure functions of a [Document], so the same rule gives the same
// value for the same page. A [Schema] names one rule per field; [Resolve]
// builds a Schema from candidate rules by testing them against a sample of
// pages.
package extract
