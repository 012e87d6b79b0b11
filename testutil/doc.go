// Package testutil provides test doubles for the plugin contract and the
// dispatch host surface.
//
// MockPlugin records every call and lets tests script Handle and
// PostSubHandle. FakeHost implements dispatch.Host with sub-operations that
// stay outstanding until the test resolves them, in any order it likes.
package testutil
