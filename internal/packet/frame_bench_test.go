package packet

import (
	"testing"

	"github.com/google/uuid"

	"github.com/skshohagmiah/rally/internal/protocol"
)

func benchFramer(b *testing.B) *Framer {
	fr, err := NewFramer(protocol.NewSerializer())
	if err != nil {
		b.Fatalf("Failed to create framer: %v", err)
	}
	return fr
}

func BenchmarkEncodeTCPCommand(b *testing.B) {
	fr := benchFramer(b)
	f := Command(TargetSession, "move", make([]byte, 64))

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := fr.EncodeTCP(f); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkDatagramRoundTrip(b *testing.B) {
	fr := benchFramer(b)
	sender := uuid.New()
	f := Command(TargetSession, "move", make([]byte, 64))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dgram, err := fr.EncodeUDP(sender, f)
		if err != nil {
			b.Fatal(err)
		}
		if _, _, err := fr.DecodeDatagram(dgram); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAvailableLobbies(b *testing.B) {
	fr := benchFramer(b)
	lobbies := make([]*LobbyIdentifier, 32)
	for i := range lobbies {
		lobbies[i] = &LobbyIdentifier{ID: uuid.New(), Name: "lobby", Count: 3, Capacity: 8}
	}
	f := AvailableLobbies(1, lobbies)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := fr.EncodeTCP(f); err != nil {
			b.Fatal(err)
		}
	}
}
