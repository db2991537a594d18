package migrations

import (
	"testing"
)

func BenchmarkSourceFiles(b *testing.B) {
	src := NewSource(nil)

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := src.Files(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSourceValidate(b *testing.B) {
	src := NewSource(nil)

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := src.Validate(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSourceRead(b *testing.B) {
	src := NewSource(nil)

	files, err := src.Files()
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := src.Read(files[i%len(files)].FileName); err != nil {
			b.Fatal(err)
		}
	}
}
