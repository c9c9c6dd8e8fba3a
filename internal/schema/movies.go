package schema

// Collection names shared by the scheduler, worker and API.
const (
	MoviesCollection  = "movies"
	ReviewsCollection = "movie_reviews"
	VideosCollection  = "movie_videos"
)

// MovieSummary is the shape of a listing entry (popular, recommendations,
// similar). adult is kept so the worker can honour the exclusion flag.
var MovieSummary = Schema{
	"adult":             {Type: Boolean},
	"backdrop_path":     {Type: Text},
	"genre_ids":         {Type: Integer, List: true},
	"id":                {Type: Integer},
	"original_language": {Type: Keyword},
	"original_title":    {Type: Text},
	"overview":          {Type: Text},
	"popularity":        {Type: Float},
	"poster_path":       {Type: Text},
	"release_date":      {Type: Date},
	"title":             {Type: Text},
	"video":             {Type: Boolean},
	"vote_average":      {Type: Float},
	"vote_count":        {Type: Long},
}

// MovieDetails holds the fields only the detail endpoint returns.
var MovieDetails = Schema{
	"belongs_to_collection": Nested(Schema{
		"backdrop_path": {Type: Text},
		"id":            {Type: Integer},
		"name":          {Type: Keyword},
		"poster_path":   {Type: Text},
	}),
	"budget": {Type: Integer},
	"genres": NestedList(Schema{
		"id":   {Type: Integer},
		"name": {Type: Keyword},
	}),
	"homepage": {Type: Text},
	"imdb_id":  {Type: Text},
	"production_companies": NestedList(Schema{
		"id":             {Type: Integer},
		"logo_path":      {Type: Text},
		"name":           {Type: Keyword},
		"origin_country": {Type: Keyword},
	}),
	"production_countries": NestedList(Schema{
		"iso_3166_1": {Type: Keyword},
		"name":       {Type: Text},
	}),
	"revenue": {Type: Long},
	"runtime": {Type: Integer},
	"spoken_languages": NestedList(Schema{
		"english_name": {Type: Keyword},
		"iso_639_1":    {Type: Keyword},
		"name":         {Type: Keyword},
	}),
	"status":  {Type: Keyword},
	"tagline": {Type: Text},
}

var Cast = Schema{
	"cast_id":              {Type: Integer},
	"character":            {Type: Text},
	"credit_id":            {Type: Text},
	"gender":               {Type: Integer},
	"id":                   {Type: Integer},
	"known_for_department": {Type: Keyword},
	"name":                 {Type: Text},
	"order":                {Type: Integer},
	"original_name":        {Type: Text},
	"popularity":           {Type: Float},
	"profile_path":         {Type: Text},
}

var Crew = Schema{
	"credit_id":            {Type: Text},
	"department":           {Type: Keyword},
	"gender":               {Type: Integer},
	"id":                   {Type: Integer},
	"job":                  {Type: Keyword},
	"known_for_department": {Type: Keyword},
	"name":                 {Type: Text},
	"original_name":        {Type: Text},
	"popularity":           {Type: Float},
	"profile_path":         {Type: Text},
}

var Keywords = Schema{
	"id":   {Type: Integer},
	"name": {Type: Keyword},
}

// Review is persisted in ReviewsCollection. Review ids are strings upstream.
var Review = Schema{
	"author": {Type: Keyword},
	"author_details": Nested(Schema{
		"avatar_path": {Type: Text},
		"name":        {Type: Keyword},
		"rating":      {Type: Float},
		"username":    {Type: Keyword},
	}),
	"content":    {Type: Text},
	"created_at": {Type: Date},
	"id":         {Type: Keyword},
	"movie_id":   {Type: Integer},
	"updated_at": {Type: Date},
	"url":        {Type: Text},
}

// Video is persisted in VideosCollection.
var Video = Schema{
	"id":         {Type: Keyword},
	"iso_639_1":  {Type: Keyword},
	"iso_3166_1": {Type: Keyword},
	"key":        {Type: Keyword},
	"movie_id":   {Type: Integer},
	"name":       {Type: Text},
	"site":       {Type: Keyword},
	"size":       {Type: Integer},
	"type":       {Type: Keyword},
}

// Movie is the full persisted movie document.
var Movie = Merge(MovieSummary, MovieDetails, Schema{
	"credits": Nested(Schema{
		"cast": NestedList(Cast),
		"crew": NestedList(Crew),
	}),
	"keywords":           NestedList(Keywords),
	"recommendation_ids": {Type: Integer, List: true},
	"similar_ids":        {Type: Integer, List: true},
	"review_ids":         {Type: Keyword, List: true},
	"video_ids":          {Type: Keyword, List: true},
})

// Collections maps each collection to the schema it is created with.
func Collections() map[string]Schema {
	return map[string]Schema{
		MoviesCollection:  Movie,
		ReviewsCollection: Review,
		VideosCollection:  Video,
	}
}
