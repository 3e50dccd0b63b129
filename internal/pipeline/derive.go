package pipeline

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/pkg/types"
)

// propagateTags lifts message tags to their chats. A tag propagates when the
// fraction of the chat's tagged messages carrying it reaches minChatTagVotes;
// that fraction becomes the chat tag's confidence.
func propagateTags(tags []*types.Tag, messages []*types.Message, chats []*types.Chat) []*types.Tag {
	chatHash := make(map[string]string, len(chats)) // chat_id -> chat_hash
	for _, c := range chats {
		chatHash[c.ChatID] = c.ChatHash
	}
	messageChat := make(map[string]string, len(messages)) // message_hash -> chat_hash
	for _, m := range messages {
		messageChat[m.MessageHash] = chatHash[m.ChatID]
	}

	type votes struct {
		domain string
		count  int
	}
	perChat := make(map[string]map[string]*votes) // chat_hash -> tag name -> votes
	taggedMessages := make(map[string]map[string]bool)
	for _, t := range tags {
		if t.Scope != types.TagScopeMessage {
			continue
		}
		ch := messageChat[t.Ref]
		if ch == "" {
			continue
		}
		if perChat[ch] == nil {
			perChat[ch] = make(map[string]*votes)
			taggedMessages[ch] = make(map[string]bool)
		}
		taggedMessages[ch][t.Ref] = true
		if v := perChat[ch][t.Name]; v != nil {
			v.count++
		} else {
			perChat[ch][t.Name] = &votes{domain: t.Domain, count: 1}
		}
	}

	var out []*types.Tag
	for ch, tagVotes := range perChat {
		total := len(taggedMessages[ch])
		if total == 0 {
			continue
		}
		for name, v := range tagVotes {
			fraction := float64(v.count) / float64(total)
			if fraction < minChatTagVotes {
				continue
			}
			tag := &types.Tag{
				Scope:      types.TagScopeChat,
				Ref:        ch,
				Name:       name,
				Domain:     v.domain,
				Confidence: fraction,
			}
			tag.TagHash = hash.MustFields(tag.HashFields())
			out = append(out, tag)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref != out[j].Ref {
			return out[i].Ref < out[j].Ref
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// derivePositions places each chat at the mean layout coordinates of its
// chunks. Noise-labeled chunks are excluded unless the chat has nothing else.
func derivePositions(assignments []*types.ClusterAssignment, chunks []*types.Chunk, chats []*types.Chat) []*types.Position {
	if len(assignments) == 0 {
		return nil
	}
	chatHash := make(map[string]string, len(chats))
	for _, c := range chats {
		chatHash[c.ChatID] = c.ChatHash
	}
	chunkChat := make(map[string]string, len(chunks)) // chunk_id -> chat_hash
	for _, c := range chunks {
		chunkChat[c.ChunkID] = chatHash[c.ChatID]
	}

	type acc struct {
		x, y       float64
		n          int
		noiseX     float64
		noiseY     float64
		noiseCount int
	}
	perChat := make(map[string]*acc)
	runID := assignments[0].RunID
	for _, a := range assignments {
		ch := chunkChat[a.ChunkID]
		if ch == "" {
			continue
		}
		if perChat[ch] == nil {
			perChat[ch] = &acc{}
		}
		if a.Label == types.NoiseLabel {
			perChat[ch].noiseX += a.X
			perChat[ch].noiseY += a.Y
			perChat[ch].noiseCount++
			continue
		}
		perChat[ch].x += a.X
		perChat[ch].y += a.Y
		perChat[ch].n++
	}

	var out []*types.Position
	for ch, a := range perChat {
		p := &types.Position{ChatHash: ch, RunID: runID}
		switch {
		case a.n > 0:
			p.X = a.x / float64(a.n)
			p.Y = a.y / float64(a.n)
		case a.noiseCount > 0:
			p.X = a.noiseX / float64(a.noiseCount)
			p.Y = a.noiseY / float64(a.noiseCount)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatHash < out[j].ChatHash })
	return out
}

// deriveSimilarities links chat pairs by the cosine similarity of their mean
// chunk embeddings. Sentinel vectors are excluded from the means; pairs are
// stored once with the lexically smaller hash first.
func deriveSimilarities(embeddings []*types.Embedding, chunks []*types.Chunk, chats []*types.Chat, floor float64) []*types.Similarity {
	chatHash := make(map[string]string, len(chats))
	for _, c := range chats {
		chatHash[c.ChatID] = c.ChatHash
	}
	chunkChat := make(map[string]string, len(chunks))
	for _, c := range chunks {
		chunkChat[c.ChunkID] = chatHash[c.ChatID]
	}

	sums := make(map[string][]float64)
	counts := make(map[string]int)
	for _, e := range embeddings {
		if e.Sentinel || e.IsZero() {
			continue
		}
		ch := chunkChat[e.ChunkID]
		if ch == "" {
			continue
		}
		if sums[ch] == nil {
			sums[ch] = make([]float64, len(e.Vector))
		}
		if len(e.Vector) != len(sums[ch]) {
			continue // dimension drift, likely from a model change
		}
		for i, v := range e.Vector {
			sums[ch][i] += float64(v)
		}
		counts[ch]++
	}

	hashes := make([]string, 0, len(sums))
	for ch := range sums {
		floats.Scale(1/float64(counts[ch]), sums[ch])
		hashes = append(hashes, ch)
	}
	sort.Strings(hashes)

	var out []*types.Similarity
	for i := 0; i < len(hashes); i++ {
		for j := i + 1; j < len(hashes); j++ {
			a, b := sums[hashes[i]], sums[hashes[j]]
			if len(a) != len(b) {
				continue
			}
			na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
			if na == 0 || nb == 0 {
				continue
			}
			score := floats.Dot(a, b) / (na * nb)
			if score < floor {
				continue
			}
			out = append(out, &types.Similarity{
				ChatHash:  hashes[i],
				OtherHash: hashes[j],
				Score:     score,
			})
		}
	}
	return out
}
