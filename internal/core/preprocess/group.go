package preprocess

import "github.com/jinford/web-rag/internal/core/document"

// SourceGroup は同一 source_id に属するチャンクの集まり
type SourceGroup struct {
	SourceID string
	Index    int // 初出順に0から振られる番号
	Chunks   []document.Chunk
}

// First はグループ内で最初に出現したチャンクを返す
func (g *SourceGroup) First() document.Chunk {
	return g.Chunks[0]
}

// Grouping は source_id ごとのグループを初出順で保持する
type Grouping struct {
	groups  []*SourceGroup
	bySrcID map[string]*SourceGroup
}

// Group はチャンクを source_id ごとにまとめ、初出順にインデックスを振る
// 入力がA, B, A, Cの順ならA=0, B=1, C=2となる
func Group(chunks []document.Chunk) *Grouping {
	g := &Grouping{bySrcID: make(map[string]*SourceGroup)}
	for _, c := range chunks {
		g.add(c)
	}
	return g
}

func (g *Grouping) add(c document.Chunk) {
	id := c.Meta.SourceID
	if grp, ok := g.bySrcID[id]; ok {
		grp.Chunks = append(grp.Chunks, c)
		return
	}
	grp := &SourceGroup{SourceID: id, Index: len(g.groups), Chunks: []document.Chunk{c}}
	g.groups = append(g.groups, grp)
	g.bySrcID[id] = grp
}

// Groups は初出順のグループ一覧を返す
func (g *Grouping) Groups() []*SourceGroup {
	return g.groups
}

// IndexOf は source_id に割り当てられた番号を返す
func (g *Grouping) IndexOf(sourceID string) (int, bool) {
	grp, ok := g.bySrcID[sourceID]
	if !ok {
		return 0, false
	}
	return grp.Index, true
}

// Len はユニークなソース数を返す
func (g *Grouping) Len() int {
	return len(g.groups)
}
